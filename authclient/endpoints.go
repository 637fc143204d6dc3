package authclient

import (
	"net/http"
	"strings"
)

// Endpoints are the backend paths the core talks to on its own.
type Endpoints struct {
	CSRF      string // GET, responds {"csrf_token": "..."}
	Refresh   string // POST, renews the session cookies
	Logout    string // POST, optional
	LoginPath string // login route of the host application
}

const (
	defaultCSRFPath  = "/api/auth/csrf-token"
	defaultLoginPath = "/login"
)

// AdminEndpoints are the admin console endpoints.
func AdminEndpoints() Endpoints {
	return Endpoints{
		CSRF:      defaultCSRFPath,
		Refresh:   "/api/auth/admin/refresh",
		Logout:    "/api/auth/admin/logout",
		LoginPath: defaultLoginPath,
	}
}

// CustomerServiceEndpoints are the customer-service console endpoints.
func CustomerServiceEndpoints() Endpoints {
	return Endpoints{
		CSRF:      defaultCSRFPath,
		Refresh:   "/api/auth/cs/refresh",
		Logout:    "/api/auth/cs/logout",
		LoginPath: defaultLoginPath,
	}
}

// DefaultExemptions are the path fragments of the authentication bootstrap
// endpoints. Requests whose path contains one never carry a CSRF token and
// never trigger a refresh.
var DefaultExemptions = []string{
	"login",
	"refresh",
	"verify-code",
	"send-verification-code",
}

// exemptions matches request paths against the exemption fragments.
type exemptions []string

func newExemptions(fragments []string, csrfPath string) exemptions {
	out := make(exemptions, 0, len(fragments)+1)
	for _, f := range fragments {
		if f != "" {
			out = append(out, f)
		}
	}
	if csrfPath != "" {
		out = append(out, csrfPath)
	}
	return out
}

func (e exemptions) match(path string) bool {
	for _, f := range e {
		if strings.Contains(path, f) {
			return true
		}
	}
	return false
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
