package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// maxResponseBody caps decoded JSON responses.
const maxResponseBody = 10 << 20

// Get decodes the JSON response of GET path into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

// Post sends in as JSON and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, in, out)
}

// Put sends in as JSON and decodes the response into out.
func (c *Client) Put(ctx context.Context, path string, in, out any) error {
	return c.doJSON(ctx, http.MethodPut, path, in, out)
}

// Patch sends in as JSON and decodes the response into out.
func (c *Client) Patch(ctx context.Context, path string, in, out any) error {
	return c.doJSON(ctx, http.MethodPatch, path, in, out)
}

// Delete decodes the response of DELETE path into out.
func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodDelete, path, nil, out)
}

// FormFile is a file part of a multipart upload.
type FormFile struct {
	Name string // file name sent to the server
	Data []byte
}

// PostMultipart uploads fields and files as multipart/form-data. File part
// content types are detected from their data.
func (c *Client) PostMultipart(
	ctx context.Context,
	path string,
	fields map[string]string,
	files map[string]FormFile,
	out any,
) error {
	req, err := c.NewMultipartRequest(ctx, http.MethodPost, path, fields, files)
	if err != nil {
		return err
	}
	resp, err := c.Do(ctx, req)
	return decodeResponse(req, resp, err, out)
}

// NewMultipartRequest builds a multipart/form-data request for Do.
func (c *Client) NewMultipartRequest(
	ctx context.Context,
	method, path string,
	fields map[string]string,
	files map[string]FormFile,
) (*http.Request, error) {
	body, contentType, err := encodeMultipart(fields, files)
	if err != nil {
		return nil, err
	}
	req, err := c.NewRequest(ctx, method, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return req, nil
}

// Logout calls the logout endpoint, when one is configured, and drops the
// cached CSRF token whatever the outcome.
func (c *Client) Logout(ctx context.Context) error {
	defer c.csrf.Clear()
	if c.endpoints.Logout == "" {
		return nil
	}
	return c.doJSON(ctx, http.MethodPost, c.endpoints.Logout, struct{}{}, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.NewRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(ctx, req)
	return decodeResponse(req, resp, err, out)
}

// decodeResponse turns a Do result into the JSON helpers' error model.
func decodeResponse(req *http.Request, resp *http.Response, err error, out any) error {
	if resp == nil {
		return err
	}
	defer resp.Body.Close()

	if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{
			Method:     req.Method,
			Path:       req.URL.Path,
			StatusCode: resp.StatusCode,
			Body:       bytes.TrimSpace(data),
		}
		if errors.Is(err, ErrRetryExhausted) {
			statusErr.Err = ErrRetryExhausted
		}
		return statusErr
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// encodeMultipart writes fields first, then files, each in key order.
func encodeMultipart(fields map[string]string, files map[string]FormFile) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, name := range sortedKeys(fields) {
		if err := w.WriteField(name, fields[name]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %q: %w", name, err)
		}
	}

	for _, name := range sortedKeys(files) {
		f := files[name]
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(
			`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(name),
			quoteEscaper.Replace(f.Name),
		))
		h.Set("Content-Type", mimetype.Detect(f.Data).String())

		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create part %q: %w", name, err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write part %q: %w", name, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
