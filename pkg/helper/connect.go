package helper

import (
	"context"
	"fmt"
	"net/http"

	"github.com/odvcencio/git-remote-dropbox/pkg/blobstore"
	"github.com/odvcencio/git-remote-dropbox/pkg/blobstore/dropbox"
	"github.com/odvcencio/git-remote-dropbox/pkg/config"
)

// Connect parses a remote URL, resolves its credentials, and returns an
// authenticated store client for the repository it names. The account
// probe runs up front so a bad token fails the session before git starts
// issuing commands.
func Connect(ctx context.Context, rawURL string) (blobstore.Store, RemoteURL, config.Settings, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, RemoteURL{}, config.Settings{}, err
	}
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, RemoteURL{}, config.Settings{}, err
	}

	creds, err := resolveCredentials(u)
	if err != nil {
		return nil, RemoteURL{}, config.Settings{}, err
	}
	client := dropbox.NewClient(creds, dropbox.Options{
		ChunkSize: settings.ChunkSize,
		HTTPClient: &http.Client{
			Timeout:   settings.Timeout(),
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		},
	})
	if err := client.CheckAccount(ctx); err != nil {
		return nil, RemoteURL{}, config.Settings{}, loginHint(u, err)
	}
	return client, u, settings, nil
}

func resolveCredentials(u RemoteURL) (dropbox.Credentials, error) {
	if u.Token != "" {
		return dropbox.StaticToken(u.Token), nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	tok, ok := cfg.TokenFor(u.Account)
	if !ok {
		if u.Account != "" {
			return nil, fmt.Errorf("you must log in first with 'git dropbox login %s'", u.Account)
		}
		return nil, fmt.Errorf("you must log in first with 'git dropbox login'")
	}
	switch tok.Kind {
	case config.KindRefresh:
		return &dropbox.RefreshCredentials{RefreshToken: tok.Value}, nil
	default:
		return dropbox.StaticToken(tok.Value), nil
	}
}

func loginHint(u RemoteURL, err error) error {
	switch {
	case u.Token != "":
		return fmt.Errorf("invalid inline access token, try logging in with 'git dropbox login' instead: %w", err)
	case u.Account != "":
		return fmt.Errorf("invalid access token, try logging in again with 'git dropbox login %s': %w", u.Account, err)
	default:
		return fmt.Errorf("invalid access token, try logging in again with 'git dropbox login': %w", err)
	}
}
