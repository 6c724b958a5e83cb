package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"github.com/klipach/gatedchat/contract"
	"github.com/klipach/gatedchat/log"
)

// ErrUnauthenticated wraps every failure to establish the caller's identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// Verifier resolves the signed-in user of a request.
type Verifier interface {
	Verify(r *http.Request) (contract.User, error)
}

type tokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
	GetUser(ctx context.Context, uid string) (*auth.UserRecord, error)
}

// Firebase verifies Firebase ID tokens and loads the caller's profile.
type Firebase struct {
	client tokenVerifier
}

func NewFirebase(ctx context.Context, app *firebase.App) (*Firebase, error) {
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting Auth client: %w", err)
	}
	return &Firebase{client: client}, nil
}

func (f *Firebase) Verify(req *http.Request) (contract.User, error) {
	ctx := req.Context()
	jwtToken, err := parseBearerToken(req)
	if err != nil {
		return contract.User{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	token, err := f.client.VerifyIDToken(ctx, jwtToken)
	if err != nil {
		return contract.User{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	record, err := f.client.GetUser(ctx, token.UID)
	if err != nil {
		log.LoggerFromContext(ctx).Warn("error loading user record, using token claims",
			slog.String(log.UserIDLogField, token.UID),
			slog.String(log.ErrorMsgLogField, err.Error()),
		)
		return userFromClaims(token), nil
	}
	return contract.User{
		UID:         record.UID,
		DisplayName: record.DisplayName,
		Email:       record.Email,
		PhotoURL:    record.PhotoURL,
	}, nil
}

func userFromClaims(token *auth.Token) contract.User {
	claim := func(name string) string {
		s, _ := token.Claims[name].(string)
		return s
	}
	return contract.User{
		UID:         token.UID,
		DisplayName: claim("name"),
		Email:       claim("email"),
		PhotoURL:    claim("picture"),
	}
}
