// Package config loads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/provadorai/provador/internal/archive"
	"github.com/provadorai/provador/internal/billing"
	"github.com/provadorai/provador/internal/provider"
)

const defaultCandidates = "gemini:gemini-2.5-flash-image,gemini:gemini-2.0-flash-exp-image-generation"

type Config struct {
	Port      string `validate:"required,numeric"`
	DBPath    string `validate:"required"`
	LogLevel  string `validate:"omitempty,oneof=debug info warn error"`
	LogFormat string `validate:"omitempty,oneof=text json"`

	GoogleAPIKey  string `validate:"required"`
	GeminiBaseURL string `validate:"omitempty,url"`
	CaptionModel  string
	Candidates    []provider.Candidate `validate:"min=1"`
	MaxAttempts   int                  `validate:"min=1,max=10"`
	BaseDelay     time.Duration        `validate:"gte=0"`
	MaxImageEdge  int                  `validate:"min=256,max=8192"`

	// TryonPerMinute caps generation requests per store.
	TryonPerMinute int `validate:"min=1"`

	Stripe   billing.Config
	S3       archive.Config
	RedisURL string `validate:"omitempty,url"`
}

type lookup func(key string) string

// Load reads the environment. Values already set in the process environment
// win over those in envFile; a missing envFile is not an error.
func Load(envFile string) (*Config, error) {
	get, err := readEnv(envFile)
	if err != nil {
		return nil, err
	}
	return parse(get)
}

// LoadArchive reads only the result archive settings, for tools that do not
// run the generation service.
func LoadArchive(envFile string) (archive.Config, error) {
	get, err := readEnv(envFile)
	if err != nil {
		return archive.Config{}, err
	}
	return archiveConfig(get), nil
}

func readEnv(envFile string) (lookup, error) {
	fileEnv := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			fileEnv = m
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}

	return func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return fileEnv[key]
	}, nil
}

func archiveConfig(get lookup) archive.Config {
	return archive.Config{
		Endpoint:  get("TRYON_S3_ENDPOINT"),
		Bucket:    get("TRYON_S3_BUCKET"),
		Region:    orDefault(get("TRYON_S3_REGION"), "auto"),
		AccessKey: get("TRYON_S3_ACCESS_KEY"),
		SecretKey: get("TRYON_S3_SECRET_KEY"),
	}
}

func parse(get lookup) (*Config, error) {
	cfg := &Config{
		Port:          orDefault(get("TRYON_PORT"), "8080"),
		DBPath:        orDefault(get("TRYON_DB_PATH"), "provador.db"),
		LogLevel:      strings.ToLower(get("TRYON_LOG_LEVEL")),
		LogFormat:     strings.ToLower(get("TRYON_LOG_FORMAT")),
		GoogleAPIKey:  get("GOOGLE_API_KEY"),
		GeminiBaseURL: get("TRYON_GEMINI_BASE_URL"),
		CaptionModel:  get("TRYON_CAPTION_MODEL"),
		Stripe: billing.Config{
			SecretKey:     get("STRIPE_SECRET_KEY"),
			WebhookSecret: get("STRIPE_WEBHOOK_SECRET"),
		},
		S3:       archiveConfig(get),
		RedisURL: get("TRYON_REDIS_URL"),
	}

	var err error
	cfg.Candidates, err = provider.ParseCandidates(orDefault(get("TRYON_CANDIDATES"), defaultCandidates))
	if err != nil {
		return nil, fmt.Errorf("TRYON_CANDIDATES: %w", err)
	}
	if cfg.MaxAttempts, err = intVar(get, "TRYON_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.MaxImageEdge, err = intVar(get, "TRYON_MAX_IMAGE_EDGE", 2048); err != nil {
		return nil, err
	}
	if cfg.TryonPerMinute, err = intVar(get, "TRYON_RATE_PER_MINUTE", 30); err != nil {
		return nil, err
	}
	if cfg.BaseDelay, err = durationVar(get, "TRYON_BASE_DELAY", 2*time.Second); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intVar(get lookup, key string, def int) (int, error) {
	v := get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func durationVar(get lookup, key string, def time.Duration) (time.Duration, error) {
	v := get(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
