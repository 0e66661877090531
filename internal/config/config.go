package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"

	RemoteModeHTTP = "http"
	RemoteModeFake = "fake"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	StoreBackend string
	SecretKey    string
	AdminKey     string

	FreeCredits    int64
	StarterCredits int64
	PaymentAddress string

	FollowerThreshold int64
	MaxCandidates     int
	PageSize          int
	ScanCacheTTL      time.Duration

	RemoteMode    string
	RemoteBaseURL string
	RemoteTimeout time.Duration
}

func Load() (*Config, error) {
	backend := getEnv("STORE_BACKEND", StoreBackendPostgres)
	if backend != StoreBackendPostgres && backend != StoreBackendMemory {
		return nil, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreBackendPostgres, StoreBackendMemory, backend)
	}

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" && backend == StoreBackendPostgres {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	secret := os.Getenv("SECRET_KEY")
	if secret == "" {
		return nil, fmt.Errorf("SECRET_KEY environment variable is required")
	}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = getEnv("PORT", "8080")
	}

	remoteMode := getEnv("REMOTE_MODE", RemoteModeHTTP)
	if remoteMode != RemoteModeHTTP && remoteMode != RemoteModeFake {
		return nil, fmt.Errorf("REMOTE_MODE must be %q or %q, got %q", RemoteModeHTTP, RemoteModeFake, remoteMode)
	}
	remoteURL := os.Getenv("REMOTE_BASE_URL")
	if remoteURL == "" && remoteMode == RemoteModeHTTP {
		return nil, fmt.Errorf("REMOTE_BASE_URL environment variable is required when REMOTE_MODE=%s", RemoteModeHTTP)
	}

	cfg := &Config{
		DBSource:       dbSource,
		Port:           port,
		Env:            getEnv("ENVIRONMENT", "development"),
		StoreBackend:   backend,
		SecretKey:      secret,
		AdminKey:       os.Getenv("ADMIN_GRANT_KEY"),
		PaymentAddress: os.Getenv("PAYMENT_ADDRESS_TRC20"),
		RemoteMode:     remoteMode,
		RemoteBaseURL:  remoteURL,
	}

	var err error
	if cfg.FreeCredits, err = getInt64("FREE_CREDITS", 10); err != nil {
		return nil, err
	}
	if cfg.StarterCredits, err = getInt64("STARTER_PACK_CREDITS", 200); err != nil {
		return nil, err
	}
	if cfg.FollowerThreshold, err = getInt64("HEURISTIC_FOLLOWER_THRESHOLD", 12000); err != nil {
		return nil, err
	}
	maxCandidates, err := getInt64("SCAN_MAX_CANDIDATES", 1200)
	if err != nil {
		return nil, err
	}
	cfg.MaxCandidates = int(maxCandidates)
	pageSize, err := getInt64("SCAN_PAGE_SIZE", 200)
	if err != nil {
		return nil, err
	}
	cfg.PageSize = int(pageSize)
	if cfg.ScanCacheTTL, err = getDuration("SCAN_CACHE_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.RemoteTimeout, err = getDuration("REMOTE_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}

	if cfg.FreeCredits < 0 || cfg.StarterCredits < 0 {
		return nil, fmt.Errorf("FREE_CREDITS and STARTER_PACK_CREDITS must not be negative")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt64(key string, fallback int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
