// Package gatedchat exposes the contact-gated messaging core as an HTTP
// Cloud Function.
package gatedchat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	firebase "firebase.google.com/go/v4"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/klipach/gatedchat/auth"
	"github.com/klipach/gatedchat/chat"
	"github.com/klipach/gatedchat/config"
	"github.com/klipach/gatedchat/log"
	"github.com/klipach/gatedchat/objstore"
	"github.com/klipach/gatedchat/store"
	"github.com/klipach/gatedchat/store/fsstore"
	"github.com/klipach/gatedchat/store/memstore"
	"github.com/klipach/gatedchat/store/pgstore"
	"google.golang.org/api/option"
)

func init() {
	functions.HTTP("Chat", Chat)
}

var (
	buildOnce sync.Once
	handler   http.Handler
	buildErr  error
)

// Chat is the function entry point. Clients are created on the first call and
// reused for the lifetime of the instance.
func Chat(w http.ResponseWriter, r *http.Request) {
	buildOnce.Do(func() {
		handler, buildErr = build(context.Background())
	})
	if buildErr != nil {
		log.LoggerFromContext(r.Context()).Error("error while initializing", slog.String(log.ErrorMsgLogField, buildErr.Error()))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	handler.ServeHTTP(w, r)
}

func build(ctx context.Context) (http.Handler, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if err := setupLogging(ctx, cfg); err != nil {
		return nil, err
	}

	if _, err := cfg.ResolveProjectID(ctx); err != nil {
		// firebase falls back to the credentials and GOOGLE_CLOUD_PROJECT
		slog.Warn("project id not resolved", slog.String(log.ErrorMsgLogField, err.Error()))
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID:     cfg.ProjectID,
		StorageBucket: cfg.StorageBucket,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing app: %w", err)
	}

	st, err := openStore(ctx, cfg, app)
	if err != nil {
		return nil, err
	}

	objects, err := openObjects(ctx, cfg, app)
	if err != nil {
		return nil, err
	}

	var verifier auth.Verifier
	if cfg.AuthMode == config.AuthJWT {
		verifier = auth.NewJWT([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	} else {
		verifier, err = auth.NewFirebase(ctx, app)
		if err != nil {
			return nil, err
		}
	}

	core := chat.New(st, objects, chat.Options{
		EnableReadReceipts: cfg.EnableReadReceipts,
		EnableGroupImages:  cfg.EnableGroupImages,
	})
	slog.Info("chat function initialized",
		slog.String("backend", string(cfg.Backend)),
		slog.String("auth", string(cfg.AuthMode)),
		slog.Bool("readReceipts", cfg.EnableReadReceipts),
		slog.Bool("groupImages", cfg.EnableGroupImages),
	)
	return NewHandler(core, verifier, WithProjectID(cfg.ProjectID)), nil
}

func setupLogging(ctx context.Context, cfg *config.Config) error {
	var h slog.Handler = log.NewCloudLoggingHandlerTo(os.Stdout, cfg.Level())
	if cfg.CloudLogging {
		projectID, err := cfg.ResolveProjectID(ctx)
		if err != nil {
			return err
		}
		// the client lives as long as the instance
		ch, _, err := log.NewCloudHandler(ctx, projectID, cfg.LogName, cfg.Level())
		if err != nil {
			return fmt.Errorf("error creating Cloud Logging client: %w", err)
		}
		h = ch
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	log.SetDefault(logger)
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, app *firebase.App) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		return pgstore.Open(ctx, cfg.PostgresDSN)
	case config.BackendMemory:
		return memstore.New(), nil
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting Firestore client: %w", err)
	}
	return fsstore.New(client), nil
}

// openObjects returns nil when group images are disabled.
func openObjects(ctx context.Context, cfg *config.Config, app *firebase.App) (objstore.Storage, error) {
	if !cfg.EnableGroupImages {
		return nil, nil
	}
	switch cfg.ObjectStore {
	case config.ObjectsMemory:
		return objstore.NewMemory(cfg.StorageBucket), nil
	case config.ObjectsS3:
		return objstore.OpenS3(ctx, objstore.S3Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Bucket:          cfg.StorageBucket,
			PublicURL:       cfg.S3.PublicURL,
		})
	}
	client, err := app.Storage(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting Storage client: %w", err)
	}
	objects, err := objstore.NewFirebase(client, cfg.StorageBucket)
	if err != nil {
		return nil, fmt.Errorf("error opening bucket: %w", err)
	}
	return objects, nil
}
