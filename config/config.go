package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	AWS      AWSConfig
	Meeting  MeetingConfig
	Repack   RepackConfig
	Email    EmailConfig
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
	// MaxConns caps the pgx pool; zero keeps the pgx default.
	MaxConns int
}

// RedisConfig holds Redis connection settings. Redis backs the task queue,
// the order counters and the process registry.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds bearer-token validation settings. Tokens are issued by the
// identity provider; this service only validates them.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the S3 bucket recordings are uploaded to.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// MeetingConfig points at the meeting server the recordings come from.
type MeetingConfig struct {
	Resource     string // host of the meeting server, e.g. vcs-3.example.org
	SharedSecret string // API shared secret used for the checksum parameter
}

// RepackConfig holds transcode pipeline settings.
type RepackConfig struct {
	Command     string        // external transcode command
	WorkRoot    string        // scratch directory for per-job working dirs
	ArchiveRoot string        // directory archived job outputs are kept in
	Concurrency int           // worker pool size
	JobTimeout  time.Duration // hard cap on a single transcode
}

// EmailConfig holds SMTP settings for order summary notifications.
// When Host is empty, notifications are logged instead of sent.
type EmailConfig struct {
	FromAddress string
	Host        string
	Port        int
	User        string
	Password    string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (DATABASE_URL env), it is used as-is.
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
	_ = godotenv.Load() // .env

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))
	jobTimeout, err := time.ParseDuration(getEnv("REPACK_JOB_TIMEOUT", "2h"))
	if err != nil {
		jobTimeout = 2 * time.Hour
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "repack"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 0),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Bucket:          getEnv("AWS_S3_RECORDINGS_BUCKET", "repack-recordings-bucket"),
		},
		Meeting: MeetingConfig{
			Resource:     getEnv("MEETING_RESOURCE", ""),
			SharedSecret: getEnv("MEETING_SHARED_SECRET", ""),
		},
		Repack: RepackConfig{
			Command:     getEnv("REPACK_COMMAND", "./scripts/start-repack-ffmpeg.sh"),
			WorkRoot:    getEnv("REPACK_WORK_DIR", "files/ffmpeg"),
			ArchiveRoot: getEnv("REPACK_ARCHIVE_DIR", "files/archives"),
			Concurrency: getEnvInt("REPACK_CONCURRENCY", 4),
			JobTimeout:  jobTimeout,
		},
		Email: EmailConfig{
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", "noreply@example.org"),
			Host:        getEnv("SMTP_HOST", ""),
			Port:        getEnvInt("SMTP_PORT", 587),
			User:        getEnv("SMTP_USER", ""),
			Password:    getEnv("SMTP_PASS", ""),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
