// Package auth turns signed JWT access tokens into session user contexts
// and issues the tokens the refresh service hands out.
package auth

import (
	"context"
	"strings"
)

type contextKey int

const tokenKey contextKey = iota

// WithToken adds a raw token to the context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey, token)
}

// GetToken retrieves the token stored by WithToken.
func GetToken(ctx context.Context) string {
	if token, ok := ctx.Value(tokenKey).(string); ok {
		return token
	}
	return ""
}

// BearerToken extracts the token from an Authorization header value. It
// returns "" when the header does not carry a bearer token.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
