package zamar

import (
	"context"
	"net/http"
	"strings"
)

const (
	// HeaderAuthorization carries the caller's bearer token.
	HeaderAuthorization = "Authorization"

	// HeaderImpersonation carries an admin-issued impersonation token.
	HeaderImpersonation = "X-Impersonation-Token"

	bearerPrefix = "Bearer "
)

// Credentials are the tokens a single inbound request may present.
// They travel in the request context; nothing is stored between requests.
type Credentials struct {
	// Authorization is the raw Authorization header, forwarded byte-for-byte.
	Authorization string

	// Bearer is the token parsed from Authorization ("" when absent or not a bearer).
	Bearer string

	// Impersonation is a token issued by the backend for an admin to act as a user.
	Impersonation string
}

// Effective returns the Authorization header value to use for end-user calls.
// An impersonation token takes precedence over the caller's own bearer.
func (c Credentials) Effective() string {
	if c.Impersonation != "" {
		return bearerPrefix + c.Impersonation
	}
	return c.Authorization
}

// Impersonating reports whether an impersonation token is present.
func (c Credentials) Impersonating() bool {
	return c.Impersonation != ""
}

// CredentialsFromRequest parses the credential headers of r.
func CredentialsFromRequest(r *http.Request) Credentials {
	return ParseCredentials(r.Header.Get(HeaderAuthorization), r.Header.Get(HeaderImpersonation))
}

// ParseCredentials builds Credentials from raw header values.
func ParseCredentials(authorization, impersonation string) Credentials {
	auth := strings.TrimSpace(authorization)
	c := Credentials{
		Authorization: auth,
		Impersonation: strings.TrimSpace(impersonation),
	}
	if strings.HasPrefix(auth, bearerPrefix) {
		c.Bearer = strings.TrimSpace(auth[len(bearerPrefix):])
	}
	return c
}

type credentialsKey struct{}

// WithCredentials returns a copy of ctx carrying c.
func WithCredentials(ctx context.Context, c Credentials) context.Context {
	return context.WithValue(ctx, credentialsKey{}, c)
}

// CredentialsFrom returns the credentials stored in ctx, if any.
func CredentialsFrom(ctx context.Context) (Credentials, bool) {
	c, ok := ctx.Value(credentialsKey{}).(Credentials)
	return c, ok
}

// RequestCredentials returns the credentials from the request context,
// falling back to parsing the request headers.
func RequestCredentials(r *http.Request) Credentials {
	if c, ok := CredentialsFrom(r.Context()); ok {
		return c
	}
	return CredentialsFromRequest(r)
}

type requestIDKey struct{}

// WithRequestID returns a copy of ctx carrying the inbound request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request id stored in ctx ("" when absent).
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type userKey struct{}

// WithUser returns a copy of ctx carrying the verified user.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFrom returns the verified user stored in ctx, or nil.
func UserFrom(ctx context.Context) *User {
	u, _ := ctx.Value(userKey{}).(*User)
	return u
}
