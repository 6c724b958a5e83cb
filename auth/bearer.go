package auth

import (
	"errors"
	"net/http"
	"strings"
)

const (
	authorizationHeader = "Authorization"
	bearerScheme        = "bearer"
	// EventSource and WebSocket clients in browsers cannot set headers.
	accessTokenParam = "access_token"
)

var (
	errMissingToken               = errors.New("missing bearer token")
	errInvalidAuthorizationHeader = errors.New("invalid Authorization header")
)

// parseBearerToken reads the token from the Authorization header, falling back
// to the access_token query parameter when the header is absent.
func parseBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get(authorizationHeader)
	if header == "" {
		if token := strings.TrimSpace(r.URL.Query().Get(accessTokenParam)); token != "" {
			return token, nil
		}
		return "", errMissingToken
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, bearerScheme) {
		return "", errInvalidAuthorizationHeader
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", errInvalidAuthorizationHeader
	}
	return token, nil
}
