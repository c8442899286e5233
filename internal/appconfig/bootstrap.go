// Package appconfig loads the process-wide bootstrap settings for the
// supervisor/control-plane binary into a flat struct filled from
// environment variables.
package appconfig

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Bootstrap holds environment-driven settings shared by every strategy
// instance launched on this host: where the shared database lives,
// how to reach Redis, and the supervisor's own control-plane port.
type Bootstrap struct {
	Port string

	DBPath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret      string
	MasterKeyPath  string // MASTER_KEY_PATH; pkg/crypto.KeyManager does not read it (keys come from MASTER_ENCRYPTION_KEY* env vars)

	S3Bucket    string
	S3Region    string
	S3Endpoint  string // non-empty for S3-compatible providers (MinIO, R2)
	S3AccessKey string
	S3SecretKey string

	ArchiveIntervalMinutes int

	MaxConcurrentInstances int
	InstanceConfigDir      string // directory of per-instance TOML files
}

// Load reads environment variables (optionally via .env) into Bootstrap.
func Load() (*Bootstrap, error) {
	_ = godotenv.Load()

	return &Bootstrap{
		Port:                   getEnv("PORT", "8090"),
		DBPath:                 getEnv("DB_PATH", "./data/fundingarb.db"),
		RedisAddr:              getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                getEnvInt("REDIS_DB", 0),
		JWTSecret:              getEnv("JWT_SECRET", "dev-secret"),
		MasterKeyPath:          getEnv("MASTER_KEY_PATH", "./data/master.key"),
		S3Bucket:               os.Getenv("ARCHIVE_S3_BUCKET"),
		S3Region:               getEnv("ARCHIVE_S3_REGION", "us-east-1"),
		S3Endpoint:             os.Getenv("ARCHIVE_S3_ENDPOINT"),
		S3AccessKey:            os.Getenv("ARCHIVE_S3_ACCESS_KEY"),
		S3SecretKey:            os.Getenv("ARCHIVE_S3_SECRET_KEY"),
		ArchiveIntervalMinutes: getEnvInt("ARCHIVE_INTERVAL_MINUTES", 360),
		MaxConcurrentInstances: getEnvInt("MAX_CONCURRENT_INSTANCES", 16),
		InstanceConfigDir:      getEnv("INSTANCE_CONFIG_DIR", "./config/instances"),
	}, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
