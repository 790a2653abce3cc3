// Package client uploads images to an imghost server over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"imghost/internal/server/service"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Options are the per-upload form fields.
type Options struct {
	Quality     int // 0 leaves the server default
	Passthrough bool
}

// Client talks to one server as one user.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// New creates a client for the server at baseURL.
func New(baseURL, username, password string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: 5 * time.Minute},
	}
}

// UploadFile sends the file at path and returns the stored image.
func (c *Client) UploadFile(ctx context.Context, path string, opts Options) (*service.UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return c.Upload(ctx, filepath.Base(path), f, opts)
}

// Upload sends body as a multipart upload named filename.
func (c *Client) Upload(ctx context.Context, filename string, body io.Reader, opts Options) (*service.UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, body); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if opts.Quality > 0 {
		if err := mw.WriteField("quality", strconv.Itoa(opts.Quality)); err != nil {
			return nil, err
		}
	}
	if opts.Passthrough {
		if err := mw.WriteField("passthrough", "true"); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, decodeError(resp)
	}

	var out service.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("invalid upload response: %w", err)
	}
	return &out, nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		switch {
		case body.Error != "":
			apiErr.Message = body.Error
		case body.Message != "":
			apiErr.Message = body.Message
		}
	}
	return apiErr
}
