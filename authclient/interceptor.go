package authclient

import (
	"bufio"
	"context"
	"io"
	"mime"
	"net/http"
	"strings"
)

// CSRFHeader carries the CSRF token on mutating requests.
const CSRFHeader = "X-CSRF-Token"

// maxBoundaryLine bounds how much of a body is read to find a multipart
// boundary. RFC 2046 limits boundaries to 70 characters.
const maxBoundaryLine = 128

// Interceptor decorates outgoing requests before they reach the Transport.
type Interceptor struct {
	csrf   *CSRFCache
	exempt exemptions
}

// NewInterceptor builds an Interceptor. The CSRF path is always exempt in
// addition to fragments.
func NewInterceptor(csrf *CSRFCache, fragments []string, csrfPath string) *Interceptor {
	return &Interceptor{csrf: csrf, exempt: newExemptions(fragments, csrfPath)}
}

// Exempt reports whether path belongs to the authentication bootstrap
// endpoints.
func (i *Interceptor) Exempt(path string) bool {
	return i.exempt.match(path)
}

// Prepare normalizes multipart bodies and attaches the CSRF token to
// mutating, non-exempt requests. When no token can be obtained the error
// is returned and the request must not be sent.
func (i *Interceptor) Prepare(ctx context.Context, req *http.Request) error {
	normalizeMultipart(req)

	if !isMutating(req.Method) || i.exempt.match(req.URL.Path) {
		return nil
	}

	token, err := i.csrf.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set(CSRFHeader, token)
	return nil
}

// normalizeMultipart rewrites the Content-Type of a multipart body so that
// it carries the boundary actually used in the body. It replaces stale
// headers such as a client-wide application/json default or a
// multipart/form-data without boundary.
func normalizeMultipart(req *http.Request) {
	if req.GetBody == nil || req.ContentLength == 0 {
		return
	}
	body, err := req.GetBody()
	if err != nil {
		return
	}
	defer body.Close()

	boundary, ok := sniffBoundary(body)
	if !ok {
		return
	}

	mediaType := "multipart/form-data"
	if mt, params, err := mime.ParseMediaType(req.Header.Get("Content-Type")); err == nil &&
		strings.HasPrefix(mt, "multipart/") {
		if params["boundary"] == boundary {
			return
		}
		mediaType = mt
	}
	req.Header.Set(
		"Content-Type",
		mime.FormatMediaType(mediaType, map[string]string{"boundary": boundary}),
	)
}

// sniffBoundary reports the boundary of a body produced by mime/multipart:
// a "--boundary" delimiter line followed by a form-data part header.
func sniffBoundary(r io.Reader) (string, bool) {
	br := bufio.NewReaderSize(io.LimitReader(r, 2*maxBoundaryLine+64), maxBoundaryLine)

	first, err := br.ReadString('\n')
	if err != nil || !strings.HasPrefix(first, "--") {
		return "", false
	}
	boundary := strings.TrimRight(strings.TrimPrefix(first, "--"), "\r\n")
	if boundary == "" || len(boundary) > 70 || strings.ContainsAny(boundary, " \t") {
		return "", false
	}

	// The part header may be cut short by the read limit; the prefix is enough.
	header, _ := br.ReadString('\n')
	if !strings.HasPrefix(strings.ToLower(header), "content-disposition: form-data") {
		return "", false
	}
	return boundary, true
}
