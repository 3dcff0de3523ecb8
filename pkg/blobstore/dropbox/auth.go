package dropbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/git-remote-dropbox/pkg/blobstore"
)

// AppKey identifies this application to the Dropbox OAuth endpoints.
const AppKey = "h0y1v66j9l9u1k6"

// StaticToken is a long-lived access token used directly.
type StaticToken string

func (t StaticToken) AccessToken(ctx context.Context) (string, error) {
	return string(t), nil
}

// RefreshCredentials exchanges an OAuth refresh token for short-lived
// access tokens, caching each until shortly before expiry.
type RefreshCredentials struct {
	RefreshToken string
	AppKey       string
	HTTPClient   *http.Client

	apiURL string // overridden in tests

	mu      sync.Mutex
	token   string
	expires time.Time
}

func (r *RefreshCredentials) AccessToken(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token != "" && time.Now().Before(r.expires) {
		return r.token, nil
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {r.RefreshToken},
		"client_id":     {r.appKey()},
	}
	tok, expiresIn, err := postTokenForm(ctx, r.httpClient(), r.tokenURL(), form)
	if err != nil {
		return "", err
	}
	r.token = tok
	// Renew a minute early so in-flight requests never carry a token that
	// expires mid-transfer.
	r.expires = time.Now().Add(time.Duration(expiresIn)*time.Second - time.Minute)
	return r.token, nil
}

func (r *RefreshCredentials) appKey() string {
	if r.AppKey != "" {
		return r.AppKey
	}
	return AppKey
}

func (r *RefreshCredentials) httpClient() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
	}
}

func (r *RefreshCredentials) tokenURL() string {
	base := r.apiURL
	if base == "" {
		base = defaultAPIURL
	}
	return base + "/oauth2/token"
}

// postTokenForm performs an oauth2/token request and returns the access
// token and its lifetime in seconds.
func postTokenForm(ctx context.Context, client *http.Client, tokenURL string, form url.Values) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("oauth2/token: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("oauth2/token: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, blobstore.AuthError{Reason: fmt.Sprintf("oauth2/token: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, fmt.Errorf("oauth2/token: parse response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", 0, blobstore.AuthError{Reason: "oauth2/token: empty access token"}
	}
	if parsed.ExpiresIn <= 0 {
		parsed.ExpiresIn = 600
	}
	return parsed.AccessToken, parsed.ExpiresIn, nil
}

// CheckAccount verifies the credentials by asking for the current account.
func (c *Client) CheckAccount(ctx context.Context) error {
	// The endpoint takes no argument; Dropbox expects a JSON null body.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/2/users/get_current_account", strings.NewReader("null"))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.applyAuth(ctx, req); err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("users/get_current_account: %w", err)
	}
	defer resp.Body.Close()
	return c.checkStatus(resp, "users/get_current_account")
}
