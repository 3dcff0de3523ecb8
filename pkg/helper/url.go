package helper

import (
	"fmt"
	"net/url"
	"strings"
)

// RemoteURL is a parsed dropbox:// remote address: which credentials to use
// and where the repository lives.
type RemoteURL struct {
	// Account is the named login to use; empty means the default login.
	Account string
	// Token is an inline bearer token; set only for dropbox://:token@/path.
	Token string
	// Root is the repository root path, absolute, lowercase, no trailing
	// slash. Dropbox paths are case-insensitive, so the path is
	// canonicalized here once.
	Root string
}

// ParseURL parses a remote URL of the form
// dropbox://[user|:token@]/absolute/path.
func ParseURL(raw string) (RemoteURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return RemoteURL{}, fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "dropbox" {
		return RemoteURL{}, fmt.Errorf(`URL must start with the "dropbox://" scheme`)
	}
	if u.Host != "" {
		// Likely "dropbox://path/to/repo" with the third slash missing.
		return RemoteURL{}, fmt.Errorf(`URL with no username or token must start with "dropbox:///"`)
	}

	var account, token string
	if u.User != nil {
		name := u.User.Username()
		pass, hasPass := u.User.Password()
		if name != "" && hasPass {
			return RemoteURL{}, fmt.Errorf("URL must not specify both username and token")
		}
		account = name
		token = pass
	}

	path := strings.ToLower(u.Path)
	if !strings.HasPrefix(path, "/") || path == "/" {
		return RemoteURL{}, fmt.Errorf("URL path must be absolute")
	}
	if strings.HasSuffix(path, "/") {
		return RemoteURL{}, fmt.Errorf("URL path must not have trailing slash")
	}

	return RemoteURL{Account: account, Token: token, Root: path}, nil
}
