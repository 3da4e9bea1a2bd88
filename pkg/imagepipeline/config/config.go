// Package config assembles a pipeline Service from environment
// configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/image-pipeline/pkg/imagepipeline"
	memoryrepo "github.com/tendant/image-pipeline/pkg/imagepipeline/repo/memory"
	pgrepo "github.com/tendant/image-pipeline/pkg/imagepipeline/repo/postgres"
	memorystorage "github.com/tendant/image-pipeline/pkg/imagepipeline/storage/memory"
	s3storage "github.com/tendant/image-pipeline/pkg/imagepipeline/storage/s3"
)

// Config is the worker configuration, loaded from environment variables.
type Config struct {
	Port        string `env:"PORT" env-default:"8080"`
	Environment string `env:"ENVIRONMENT" env-default:"development"`

	// DatabaseType selects the repository: "memory" or "postgres".
	DatabaseType string `env:"DATABASE_TYPE" env-default:"memory"`
	DB           DbConfig

	// StorageType selects the object store backing each bucket: "memory" or
	// "s3".
	StorageType string `env:"STORAGE_TYPE" env-default:"memory"`
	S3          S3Config

	Kafka KafkaConfig

	// LinkTTLMinutes is how long registered upload links stay valid.
	LinkTTLMinutes int `env:"LINK_TTL_MINUTES" env-default:"15"`
}

// DbConfig holds postgres connection settings.
type DbConfig struct {
	Port     uint16 `env:"IMAGE_PG_PORT" env-default:"5432"`
	Host     string `env:"IMAGE_PG_HOST" env-default:"localhost"`
	Name     string `env:"IMAGE_PG_NAME" env-default:"image_db"`
	User     string `env:"IMAGE_PG_USER" env-default:"image"`
	Password string `env:"IMAGE_PG_PASSWORD" env-default:"pwd"`
}

// S3Config holds object storage settings. Bucket doubles as the bucket name
// notifications reference.
type S3Config struct {
	Endpoint        string `env:"AWS_S3_ENDPOINT" env-default:""`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID" env-default:""`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" env-default:""`
	Bucket          string `env:"AWS_S3_BUCKET" env-default:"image-bucket"`
	Region          string `env:"AWS_S3_REGION" env-default:"us-east-1"`
	UsePathStyle    bool   `env:"AWS_S3_USE_PATH_STYLE" env-default:"false"`
}

// KafkaConfig holds the notification queue settings.
type KafkaConfig struct {
	Broker  string `env:"KAFKA_BROKER" env-default:"localhost:9092"`
	Topic   string `env:"KAFKA_TOPIC" env-default:"storage-audit-events"`
	GroupID string `env:"KAFKA_GROUP_ID" env-default:"image-pipeline"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if c.DatabaseType != "memory" && c.DatabaseType != "postgres" {
		return errors.New("database type must be 'memory' or 'postgres'")
	}
	if c.StorageType != "memory" && c.StorageType != "s3" {
		return errors.New("storage type must be 'memory' or 's3'")
	}
	if c.StorageType == "s3" && c.S3.Bucket == "" {
		return errors.New("bucket is required when using s3 storage")
	}
	if c.Kafka.Broker == "" || c.Kafka.Topic == "" {
		return errors.New("kafka broker and topic are required")
	}
	return nil
}

// DatabaseURL renders the postgres connection string.
func (c DbConfig) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Name,
	}
	return u.String()
}

// BuildService creates a Service instance from the configuration.
func (c *Config) BuildService(ctx context.Context, logger *slog.Logger) (imagepipeline.Service, error) {
	var repo imagepipeline.Repository
	switch c.DatabaseType {
	case "postgres":
		pool, err := pgxpool.New(ctx, c.DB.DatabaseURL())
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		repo = pgrepo.NewWithPool(pool)
	default:
		repo = memoryrepo.New()
	}

	var store imagepipeline.ObjectStore
	switch c.StorageType {
	case "s3":
		s3Store, err := s3storage.New(s3storage.Config{
			Region:          c.S3.Region,
			Bucket:          c.S3.Bucket,
			AccessKeyID:     c.S3.AccessKeyID,
			SecretAccessKey: c.S3.SecretAccessKey,
			Endpoint:        c.S3.Endpoint,
			UsePathStyle:    c.S3.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 store: %w", err)
		}
		store = s3Store
	default:
		store = memorystorage.New()
	}

	return imagepipeline.New(
		imagepipeline.WithRepository(repo),
		imagepipeline.WithObjectStore(c.S3.Bucket, store),
		imagepipeline.WithLogger(logger),
		imagepipeline.WithLinkTTL(time.Duration(c.LinkTTLMinutes)*time.Minute),
	)
}
