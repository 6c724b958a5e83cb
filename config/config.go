// Package config loads the function configuration from GATEDCHAT_* environment
// variables and an optional config file.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/compute/metadata"
	"github.com/spf13/viper"
)

const envPrefix = "GATEDCHAT"

type Backend string

const (
	BackendFirestore Backend = "firestore"
	BackendPostgres  Backend = "postgres"
	BackendMemory    Backend = "memory"
)

type AuthMode string

const (
	AuthFirebase AuthMode = "firebase"
	AuthJWT      AuthMode = "jwt"
)

type ObjectStore string

const (
	ObjectsFirebase ObjectStore = "firebase"
	ObjectsS3       ObjectStore = "s3"
	ObjectsMemory   ObjectStore = "memory"
)

type Config struct {
	Backend            Backend     `mapstructure:"backend"`
	ProjectID          string      `mapstructure:"project_id"`
	CredentialsFile    string      `mapstructure:"credentials_file"`
	PostgresDSN        string      `mapstructure:"postgres_dsn"`
	EnableReadReceipts bool        `mapstructure:"enable_read_receipts"`
	EnableGroupImages  bool        `mapstructure:"enable_group_images"`
	CloudLogging       bool        `mapstructure:"cloud_logging"`
	LogName            string      `mapstructure:"log_name"`
	LogLevel           string      `mapstructure:"log_level"`
	AuthMode           AuthMode    `mapstructure:"auth_mode"`
	JWTSecret          string      `mapstructure:"jwt_secret"`
	JWTIssuer          string      `mapstructure:"jwt_issuer"`
	ObjectStore        ObjectStore `mapstructure:"object_store"`
	StorageBucket      string      `mapstructure:"storage_bucket"`
	S3                 `mapstructure:",squash"`
}

type S3 struct {
	Endpoint        string `mapstructure:"s3_endpoint"`
	Region          string `mapstructure:"s3_region"`
	AccessKeyID     string `mapstructure:"s3_access_key_id"`
	SecretAccessKey string `mapstructure:"s3_secret_access_key"`
	PublicURL       string `mapstructure:"s3_public_url"`
}

var ErrNoProjectID = errors.New("project id is not configured and the metadata server is unavailable")

func defaults(v *viper.Viper) {
	v.SetDefault("backend", string(BackendFirestore))
	v.SetDefault("project_id", "")
	v.SetDefault("credentials_file", "")
	v.SetDefault("storage_bucket", "")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("enable_read_receipts", true)
	v.SetDefault("enable_group_images", false)
	v.SetDefault("cloud_logging", false)
	v.SetDefault("log_name", "gatedchat")
	v.SetDefault("log_level", "info")
	v.SetDefault("auth_mode", string(AuthFirebase))
	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_issuer", "gatedchat")
	v.SetDefault("object_store", string(ObjectsFirebase))
	v.SetDefault("s3_endpoint", "")
	v.SetDefault("s3_region", "")
	v.SetDefault("s3_access_key_id", "")
	v.SetDefault("s3_secret_access_key", "")
	v.SetDefault("s3_public_url", "")
}

// New returns a viper instance reading GATEDCHAT_* variables, and the file
// named by GATEDCHAT_CONFIG if set.
func New() (*viper.Viper, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", file, err)
		}
	}
	return v, nil
}

func Parse(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		slog.Error("unable to unmarshal config", "err", err)
		return nil, err
	}
	c.Backend = Backend(strings.ToLower(string(c.Backend)))
	switch c.Backend {
	case BackendFirestore, BackendMemory:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return nil, errors.New("postgres backend requires GATEDCHAT_POSTGRES_DSN")
		}
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
	switch c.AuthMode {
	case AuthFirebase:
	case AuthJWT:
		if c.JWTSecret == "" {
			return nil, errors.New("jwt auth requires GATEDCHAT_JWT_SECRET")
		}
	default:
		return nil, fmt.Errorf("unknown auth mode %q", c.AuthMode)
	}
	switch c.ObjectStore {
	case ObjectsFirebase, ObjectsMemory:
	case ObjectsS3:
		if c.EnableGroupImages && c.StorageBucket == "" {
			return nil, errors.New("s3 object store requires GATEDCHAT_STORAGE_BUCKET")
		}
	default:
		return nil, fmt.Errorf("unknown object store %q", c.ObjectStore)
	}
	return &c, nil
}

// Load is New followed by Parse.
func Load() (*Config, error) {
	v, err := New()
	if err != nil {
		return nil, err
	}
	return Parse(v)
}

func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// projectIDFromMetadata is replaced in tests.
var projectIDFromMetadata = func(ctx context.Context) (string, error) {
	if !metadata.OnGCE() {
		return "", ErrNoProjectID
	}
	return metadata.ProjectIDWithContext(ctx)
}

// ResolveProjectID returns the configured project id, asking the metadata
// server when none is set.
func (c *Config) ResolveProjectID(ctx context.Context) (string, error) {
	if c.ProjectID != "" {
		return c.ProjectID, nil
	}
	id, err := projectIDFromMetadata(ctx)
	if err != nil {
		return "", fmt.Errorf("error resolving project id: %w", err)
	}
	c.ProjectID = id
	return id, nil
}
