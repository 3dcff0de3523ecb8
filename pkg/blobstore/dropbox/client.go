// Package dropbox binds the abstract blob store to the Dropbox HTTP API.
// Files carry server-assigned revision strings; writes take a mode (add,
// overwrite, update-rev) with strict conflict checking, which is what the
// ref layer's compare-and-swap is built on.
package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf16"

	"github.com/odvcencio/git-remote-dropbox/pkg/blobstore"
)

const (
	defaultAPIURL     = "https://api.dropboxapi.com"
	defaultContentURL = "https://content.dropboxapi.com"

	// responseLimit bounds API response bodies; individual Git objects can
	// be large but metadata responses cannot.
	responseLimit = 64 << 20
)

// Credentials yields a bearer token for each request.
type Credentials interface {
	AccessToken(ctx context.Context) (string, error)
}

// Options configures a Client.
type Options struct {
	// ChunkSize is the threshold and chunk length for upload sessions.
	// Zero selects 8 MiB.
	ChunkSize int64
	// HTTPClient overrides the default client (which honors HTTP_PROXY /
	// HTTPS_PROXY through the environment).
	HTTPClient *http.Client

	// apiURL and contentURL are overridden in tests.
	apiURL     string
	contentURL string
}

// Client implements blobstore.Store against Dropbox.
type Client struct {
	creds      Credentials
	httpClient *http.Client
	chunkSize  int64
	apiURL     string
	contentURL string
}

var _ blobstore.Store = (*Client)(nil)

// NewClient creates a Client with the given credentials.
func NewClient(creds Credentials, opts Options) *Client {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 8 << 20
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		}
	}
	if opts.apiURL == "" {
		opts.apiURL = defaultAPIURL
	}
	if opts.contentURL == "" {
		opts.contentURL = defaultContentURL
	}
	return &Client{
		creds:      creds,
		httpClient: opts.HTTPClient,
		chunkSize:  opts.ChunkSize,
		apiURL:     opts.apiURL,
		contentURL: opts.contentURL,
	}
}

// apiError is the JSON body Dropbox returns with status 409.
type apiError struct {
	Summary string          `json:"error_summary"`
	Err     json.RawMessage `json:"error"`
}

// writeMode selects the Dropbox write mode for an upload.
type writeMode struct {
	tag string
	rev string
}

var (
	modeAdd       = writeMode{tag: "add"}
	modeOverwrite = writeMode{tag: "overwrite"}
)

func modeUpdate(rev string) writeMode { return writeMode{tag: "update", rev: rev} }

func (m writeMode) MarshalJSON() ([]byte, error) {
	if m.tag == "update" {
		return json.Marshal(struct {
			Tag    string `json:".tag"`
			Update string `json:"update"`
		}{Tag: m.tag, Update: m.rev})
	}
	return json.Marshal(m.tag)
}

// fileMetadata is the subset of Dropbox file metadata the store needs.
type fileMetadata struct {
	Tag       string `json:".tag"`
	PathLower string `json:"path_lower"`
	Rev       string `json:"rev"`
}

func (c *Client) Get(ctx context.Context, path string) ([]byte, string, error) {
	arg := struct {
		Path string `json:"path"`
	}{Path: path}
	resp, err := c.contentRequest(ctx, "/2/files/download", arg, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, "files/download"); err != nil {
		if isPathError(err, "not_found") {
			return nil, "", blobstore.NotFound{Path: path}
		}
		return nil, "", err
	}

	var meta fileMetadata
	if raw := resp.Header.Get("Dropbox-API-Result"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return nil, "", fmt.Errorf("files/download: parse result header: %w", err)
		}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit))
	if err != nil {
		return nil, "", fmt.Errorf("files/download: read body: %w", err)
	}
	return data, meta.Rev, nil
}

func (c *Client) List(ctx context.Context, prefix string) ([]blobstore.Entry, error) {
	var out []blobstore.Entry

	var page struct {
		Entries []fileMetadata `json:"entries"`
		Cursor  string         `json:"cursor"`
		HasMore bool           `json:"has_more"`
	}
	arg := struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}{Path: prefix, Recursive: true}
	if err := c.rpc(ctx, "/2/files/list_folder", arg, &page); err != nil {
		if isPathError(err, "not_found") {
			return nil, blobstore.NotFound{Path: prefix}
		}
		return nil, err
	}
	for {
		for _, e := range page.Entries {
			if e.Tag != "file" {
				continue
			}
			out = append(out, blobstore.Entry{Path: e.PathLower, Rev: e.Rev})
		}
		if !page.HasMore {
			return out, nil
		}
		cont := struct {
			Cursor string `json:"cursor"`
		}{Cursor: page.Cursor}
		page.Entries = nil
		page.HasMore = false
		if err := c.rpc(ctx, "/2/files/list_folder/continue", cont, &page); err != nil {
			return nil, err
		}
	}
}

func (c *Client) PutCreate(ctx context.Context, path string, data []byte) (string, error) {
	rev, err := c.upload(ctx, path, data, modeAdd)
	if err != nil && isConflictError(err) {
		return "", blobstore.AlreadyExists{Path: path}
	}
	return rev, err
}

func (c *Client) PutUpdate(ctx context.Context, path string, data []byte, expectRev string) (string, error) {
	rev, err := c.upload(ctx, path, data, modeUpdate(expectRev))
	if err != nil && isConflictError(err) {
		return "", blobstore.RevMismatch{Path: path, ExpectedRev: expectRev}
	}
	return rev, err
}

func (c *Client) PutOverwrite(ctx context.Context, path string, data []byte) (string, error) {
	return c.upload(ctx, path, data, modeOverwrite)
}

func (c *Client) Delete(ctx context.Context, path string, expectRev string) error {
	arg := struct {
		Path      string `json:"path"`
		ParentRev string `json:"parent_rev,omitempty"`
	}{Path: path, ParentRev: expectRev}
	err := c.rpc(ctx, "/2/files/delete_v2", arg, nil)
	if err == nil {
		return nil
	}
	if isPathError(err, "not_found") {
		return blobstore.NotFound{Path: path}
	}
	if isConflictError(err) {
		return blobstore.RevMismatch{Path: path, ExpectedRev: expectRev}
	}
	return err
}

// upload writes data at path, through an upload session when the payload
// exceeds the chunk size.
func (c *Client) upload(ctx context.Context, path string, data []byte, mode writeMode) (string, error) {
	if int64(len(data)) > c.chunkSize {
		return c.uploadSession(ctx, path, data, mode)
	}

	arg := struct {
		Path           string    `json:"path"`
		Mode           writeMode `json:"mode"`
		StrictConflict bool      `json:"strict_conflict"`
		Mute           bool      `json:"mute"`
	}{Path: path, Mode: mode, StrictConflict: true, Mute: true}
	resp, err := c.contentRequest(ctx, "/2/files/upload", arg, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp, "files/upload"); err != nil {
		return "", err
	}
	var meta fileMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, responseLimit)).Decode(&meta); err != nil {
		return "", fmt.Errorf("files/upload: parse response: %w", err)
	}
	return meta.Rev, nil
}

// rpc performs a JSON-in, JSON-out call against the api endpoint. A nil
// result discards the response body.
func (c *Client) rpc(ctx context.Context, endpoint string, arg, result any) error {
	body, err := json.Marshal(arg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.applyAuth(ctx, req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp, endpoint); err != nil {
		return err
	}
	if result == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, responseLimit)).Decode(result); err != nil {
		return fmt.Errorf("%s: parse response: %w", endpoint, err)
	}
	return nil
}

// contentRequest performs a call against the content endpoint, carrying arg
// in the Dropbox-API-Arg header and body as the octet stream.
func (c *Client) contentRequest(ctx context.Context, endpoint string, arg any, body io.Reader) (*http.Response, error) {
	argJSON, err := json.Marshal(arg)
	if err != nil {
		return nil, err
	}
	if body == nil {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.contentURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Dropbox-API-Arg", escapeNonASCII(argJSON))
	req.Header.Set("Content-Type", "application/octet-stream")
	if err := c.applyAuth(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	return resp, nil
}

func (c *Client) applyAuth(ctx context.Context, req *http.Request) error {
	token, err := c.creds.AccessToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// callError carries a non-2xx API outcome; 409 bodies keep their decoded
// error summary for classification at the call sites.
type callError struct {
	endpoint string
	status   int
	summary  string
}

func (e *callError) Error() string {
	if e.summary != "" {
		return fmt.Sprintf("%s: %s", e.endpoint, e.summary)
	}
	return fmt.Sprintf("%s: HTTP %d", e.endpoint, e.status)
}

// checkStatus converts a failed response into an error. 401 means the
// token was rejected; 409 carries a structured API error; everything else
// (429, 5xx) is left untyped and therefore retried by the caller.
func (c *Client) checkStatus(resp *http.Response, endpoint string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusUnauthorized {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = "token rejected"
		}
		return blobstore.AuthError{Reason: msg}
	}
	if resp.StatusCode == http.StatusConflict {
		var ae apiError
		if err := json.Unmarshal(body, &ae); err == nil && ae.Summary != "" {
			return &callError{endpoint: endpoint, status: resp.StatusCode, summary: ae.Summary}
		}
	}
	return &callError{endpoint: endpoint, status: resp.StatusCode, summary: strings.TrimSpace(string(body))}
}

// isPathError reports whether err is a 409 whose summary names the given
// path lookup reason, e.g. "not_found".
func isPathError(err error, reason string) bool {
	ce, ok := err.(*callError)
	return ok && ce.status == http.StatusConflict && strings.Contains(ce.summary, reason)
}

// isConflictError reports whether err is a 409 write conflict.
func isConflictError(err error) bool {
	ce, ok := err.(*callError)
	return ok && ce.status == http.StatusConflict && strings.Contains(ce.summary, "conflict")
}

// escapeNonASCII makes a JSON document safe to carry in an HTTP header by
// \u-escaping every character outside printable ASCII (as UTF-16 units).
func escapeNonASCII(data []byte) string {
	var b strings.Builder
	for _, r := range string(data) {
		if r >= 0x20 && r <= 0x7e {
			b.WriteRune(r)
			continue
		}
		for _, u := range utf16.Encode([]rune{r}) {
			fmt.Fprintf(&b, "\\u%04x", u)
		}
	}
	return b.String()
}
