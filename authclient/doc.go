// Package authclient is the authenticated HTTP client core shared by the
// admin and customer-service consoles.
//
// A Client runs every request through the same pipeline:
//
//	request -> Interceptor (X-CSRF-Token) -> Transport -> response
//	                                              |
//	                               401 -> SessionManager.Refresh -> replay once
//
// The CSRFCache holds the CSRF token, the Interceptor attaches it to
// mutating requests outside the exemption list, and the SessionManager makes
// sure that any number of concurrent 401s share a single refresh call.
// Browser concerns (cookies, navigation to the login route) are reached
// through the CookieStore and NavigationPort interfaces.
package authclient
