// gentoken mints an ID token for a user, and optionally signs the user in to a
// running chat function, so the HTTP API can be called by hand:
//
//	go run ./cmd/gentoken -uid alice -apikey $FIREBASE_API_KEY -session http://localhost:8082
//	go run ./cmd/gentoken -uid alice -name Alice -jwtsecret $GATEDCHAT_JWT_SECRET
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	chatauth "github.com/klipach/gatedchat/auth"
	"github.com/klipach/gatedchat/contract"
	"google.golang.org/api/option"
)

const signInURL = "https://identitytoolkit.googleapis.com/v1/accounts:signInWithCustomToken?key=%s"

type signInResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	LocalID      string `json:"localId"`
}

func main() {
	ctx := context.Background()
	uid := flag.String("uid", "", "User UID for token generation")
	apiKey := flag.String("apikey", "", "Firebase API key for Identity Toolkit REST API")
	credentials := flag.String("credentials", "./service_account_key.json", "Service account key file")
	session := flag.String("session", "", "Base URL of the chat function; when set the user is signed in")
	jwtSecret := flag.String("jwtsecret", "", "Sign a self-hosted JWT with this secret instead of using Firebase")
	jwtIssuer := flag.String("jwtissuer", "gatedchat", "Issuer of self-hosted JWTs")
	name := flag.String("name", "", "Display name put in self-hosted JWTs")
	email := flag.String("email", "", "Email put in self-hosted JWTs")
	flag.Parse()

	if *uid == "" {
		log.Fatalf("Please provide a user UID using the -uid flag")
	}

	if *jwtSecret != "" {
		token, err := chatauth.NewJWT([]byte(*jwtSecret), *jwtIssuer).Issue(
			contract.User{UID: *uid, DisplayName: *name, Email: *email},
			24*time.Hour,
		)
		if err != nil {
			log.Fatalf("error signing token: %v", err)
		}
		finish(ctx, token, *session)
		return
	}

	absPath, err := filepath.Abs(*credentials)
	if err != nil {
		log.Fatalf("failed to get absolute path: %v", err)
	}
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(absPath))
	if err != nil {
		log.Fatalf("error initializing app: %v", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		log.Fatalf("error getting Auth client: %v", err)
	}

	idToken, err := mintIDToken(ctx, client, *uid, *apiKey)
	if err != nil {
		log.Fatal(err)
	}
	finish(ctx, idToken, *session)
}

func finish(ctx context.Context, idToken, session string) {
	fmt.Println(idToken)
	if session == "" {
		return
	}
	if err := signIn(ctx, session, idToken); err != nil {
		log.Fatal(err)
	}
}

// mintIDToken exchanges a custom token for an ID token through the REST API.
func mintIDToken(ctx context.Context, client *auth.Client, uid, apiKey string) (string, error) {
	customToken, err := client.CustomToken(ctx, uid)
	if err != nil {
		return "", fmt.Errorf("error creating custom token: %w", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"token":             customToken,
		"returnSecureToken": true,
	})
	if err != nil {
		return "", fmt.Errorf("error marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf(signInURL, apiKey), bytes.NewReader(payloadBytes))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := do(req)
	if err != nil {
		return "", err
	}

	var resp signInResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("error unmarshalling response: %w", err)
	}
	return resp.IDToken, nil
}

func signIn(ctx context.Context, baseURL, idToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/session", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+idToken)
	body, err := do(req)
	if err != nil {
		return err
	}
	log.Printf("signed in: %s", body)
	return nil
}

func do(req *http.Request) ([]byte, error) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error making %s request: %w", req.Method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("non-OK HTTP status: %d, response: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
