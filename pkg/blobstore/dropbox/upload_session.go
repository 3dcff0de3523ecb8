package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// uploadSession writes a payload larger than one chunk through the
// start / append / finish session API.
func (c *Client) uploadSession(ctx context.Context, path string, data []byte, mode writeMode) (string, error) {
	chunk := data[:c.chunkSize]
	rest := data[c.chunkSize:]

	var started struct {
		SessionID string `json:"session_id"`
	}
	startArg := struct {
		Close bool `json:"close"`
	}{Close: false}
	resp, err := c.contentRequest(ctx, "/2/files/upload_session/start", startArg, bytes.NewReader(chunk))
	if err != nil {
		return "", err
	}
	if err := func() error {
		defer resp.Body.Close()
		if err := c.checkStatus(resp, "files/upload_session/start"); err != nil {
			return err
		}
		return json.NewDecoder(io.LimitReader(resp.Body, responseLimit)).Decode(&started)
	}(); err != nil {
		return "", err
	}

	type cursor struct {
		SessionID string `json:"session_id"`
		Offset    int64  `json:"offset"`
	}
	offset := int64(len(chunk))

	for int64(len(rest)) > c.chunkSize {
		chunk, rest = rest[:c.chunkSize], rest[c.chunkSize:]
		appendArg := struct {
			Cursor cursor `json:"cursor"`
			Close  bool   `json:"close"`
		}{Cursor: cursor{SessionID: started.SessionID, Offset: offset}, Close: false}
		resp, err := c.contentRequest(ctx, "/2/files/upload_session/append_v2", appendArg, bytes.NewReader(chunk))
		if err != nil {
			return "", err
		}
		if err := func() error {
			defer resp.Body.Close()
			return c.checkStatus(resp, "files/upload_session/append_v2")
		}(); err != nil {
			return "", err
		}
		offset += int64(len(chunk))
	}

	finishArg := struct {
		Cursor cursor `json:"cursor"`
		Commit struct {
			Path           string    `json:"path"`
			Mode           writeMode `json:"mode"`
			StrictConflict bool      `json:"strict_conflict"`
			Mute           bool      `json:"mute"`
		} `json:"commit"`
	}{Cursor: cursor{SessionID: started.SessionID, Offset: offset}}
	finishArg.Commit.Path = path
	finishArg.Commit.Mode = mode
	finishArg.Commit.StrictConflict = true
	finishArg.Commit.Mute = true

	resp, err = c.contentRequest(ctx, "/2/files/upload_session/finish", finishArg, bytes.NewReader(rest))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp, "files/upload_session/finish"); err != nil {
		return "", err
	}
	var meta fileMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, responseLimit)).Decode(&meta); err != nil {
		return "", fmt.Errorf("files/upload_session/finish: parse response: %w", err)
	}
	return meta.Rev, nil
}
