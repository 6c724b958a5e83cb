package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/klipach/gatedchat/contract"
)

var errUnexpectedSigningMethod = errors.New("unexpected signing method")

// Claims carry the caller's profile next to the registered claims; the
// subject is the uid.
type Claims struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// JWT verifies HS256 tokens signed with a shared secret, for deployments
// without Firebase Authentication.
type JWT struct {
	secret []byte
	issuer string
}

func NewJWT(secret []byte, issuer string) *JWT {
	return &JWT{secret: secret, issuer: issuer}
}

// Issue signs a token for u valid for ttl.
func (j *JWT) Issue(u contract.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Name:    u.DisplayName,
		Email:   u.Email,
		Picture: u.PhotoURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.UID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

func (j *JWT) Verify(req *http.Request) (contract.User, error) {
	tokenString, err := parseBearerToken(req)
	if err != nil {
		return contract.User{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errUnexpectedSigningMethod
		}
		return j.secret, nil
	}, opts...)
	if err != nil {
		return contract.User{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return contract.User{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return contract.User{
		UID:         claims.Subject,
		DisplayName: claims.Name,
		Email:       claims.Email,
		PhotoURL:    claims.Picture,
	}, nil
}
