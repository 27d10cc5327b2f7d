package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Cluster     ClusterConfig
	Connections ConnectionsConfig
	Stream      StreamConfig
	HLS         HLSConfig
	SFU         SFUConfig
	RateLimit   RateLimitConfig
	AWS         AWSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings. An empty Addr disables
// Redis: the node runs single-node with in-memory fallbacks.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds token signing settings.
type JWTConfig struct {
	Secret string
}

// ClusterConfig holds node identity and inter-node transport settings.
type ClusterConfig struct {
	GRPCPort          string
	HeartbeatInterval time.Duration
}

// ConnectionsConfig holds per-node connection caps and timeouts.
type ConnectionsConfig struct {
	MaxPerUser  int
	MaxPerRoom  int
	MaxTotal    int
	IdleTimeout time.Duration
	MaxDuration time.Duration
}

// StreamConfig holds ingest and lazy-pull settings.
type StreamConfig struct {
	RTMPPort            string
	PullIdleTimeout     time.Duration
	PullCheckInterval   time.Duration
}

// HLSConfig holds segmenting settings.
type HLSConfig struct {
	TargetDuration time.Duration
	LiveWindow     int
	UseS3          bool
}

// SFUConfig holds forwarding settings.
type SFUConfig struct {
	Threshold       int
	MaxPeersPerRoom int
	MaxRooms        int
}

// RateLimitConfig holds the Redis key prefix for limiter state.
type RateLimitConfig struct {
	KeyPrefix string
}

// AWSConfig holds credentials for the optional S3 segment backend.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	HLSBucket       string
	HLSKeyPrefix    string
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "synctv"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "change-me-in-production"),
		},
		Cluster: ClusterConfig{
			GRPCPort:          getEnv("CLUSTER_GRPC_PORT", "9090"),
			HeartbeatInterval: getEnvDuration("CLUSTER_HEARTBEAT_SEC", 30*time.Second),
		},
		Connections: ConnectionsConfig{
			MaxPerUser:  getEnvInt("CONN_MAX_PER_USER", 10),
			MaxPerRoom:  getEnvInt("CONN_MAX_PER_ROOM", 500),
			MaxTotal:    getEnvInt("CONN_MAX_TOTAL", 10000),
			IdleTimeout: getEnvDuration("CONN_IDLE_TIMEOUT_SEC", 5*time.Minute),
			MaxDuration: getEnvDuration("CONN_MAX_DURATION_SEC", 24*time.Hour),
		},
		Stream: StreamConfig{
			RTMPPort:          getEnv("RTMP_PORT", "1935"),
			PullIdleTimeout:   getEnvDuration("PULL_IDLE_TIMEOUT_SEC", 5*time.Minute),
			PullCheckInterval: getEnvDuration("PULL_CHECK_INTERVAL_SEC", time.Minute),
		},
		HLS: HLSConfig{
			TargetDuration: getEnvDuration("HLS_TARGET_DURATION_SEC", 10*time.Second),
			LiveWindow:     getEnvInt("HLS_LIVE_WINDOW", 6),
			UseS3:          getEnv("HLS_STORAGE", "memory") == "s3",
		},
		SFU: SFUConfig{
			Threshold:       getEnvInt("SFU_THRESHOLD", 4),
			MaxPeersPerRoom: getEnvInt("SFU_MAX_PEERS_PER_ROOM", 64),
			MaxRooms:        getEnvInt("SFU_MAX_ROOMS", 1024),
		},
		RateLimit: RateLimitConfig{
			KeyPrefix: getEnv("RATE_LIMIT_PREFIX", "rate_limit:"),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			HLSBucket:       getEnv("AWS_S3_HLS_BUCKET", ""),
			HLSKeyPrefix:    getEnv("AWS_S3_HLS_PREFIX", "hls/"),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration reads a _SEC-suffixed variable as seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
