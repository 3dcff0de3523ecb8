package dropbox

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// PKCEFlow is the no-redirect OAuth flow used by interactive login: the
// user opens an authorization URL, approves the app, and pastes the code
// back.
type PKCEFlow struct {
	AppKey     string
	HTTPClient *http.Client

	apiURL   string // overridden in tests
	verifier string
}

// NewPKCEFlow creates a flow with a fresh code verifier.
func NewPKCEFlow(appKey string) (*PKCEFlow, error) {
	if appKey == "" {
		appKey = AppKey
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate code verifier: %w", err)
	}
	return &PKCEFlow{
		AppKey:   appKey,
		verifier: base64.RawURLEncoding.EncodeToString(raw),
	}, nil
}

// AuthorizeURL returns the URL the user must open to approve access. The
// flow requests offline access so the resulting grant yields a refresh
// token.
func (f *PKCEFlow) AuthorizeURL() string {
	challenge := sha256.Sum256([]byte(f.verifier))
	q := url.Values{
		"client_id":             {f.AppKey},
		"response_type":         {"code"},
		"token_access_type":     {"offline"},
		"code_challenge":        {base64.RawURLEncoding.EncodeToString(challenge[:])},
		"code_challenge_method": {"S256"},
	}
	return "https://www.dropbox.com/oauth2/authorize?" + q.Encode()
}

// Exchange trades the pasted authorization code for a refresh token.
func (f *PKCEFlow) Exchange(ctx context.Context, code string) (string, error) {
	client := f.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		}
	}
	base := f.apiURL
	if base == "" {
		base = defaultAPIURL
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {f.AppKey},
		"code_verifier": {f.verifier},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("oauth2/token: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("oauth2/token: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oauth2/token: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("oauth2/token: parse response: %w", err)
	}
	if parsed.RefreshToken == "" {
		return "", fmt.Errorf("oauth2/token: response carried no refresh token")
	}
	return parsed.RefreshToken, nil
}
