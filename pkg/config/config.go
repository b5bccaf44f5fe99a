package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	GitHub   GitHubConfig
	SMTP     SMTPConfig
	Runs     RunConfig
}

type ServerConfig struct {
	Port            string
	Mode            string
	ReadTimeout     int
	WriteTimeout    int
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Backend string
	Path    string
}

type GitHubConfig struct {
	Token             string
	APIURL            string
	CallTimeout       time.Duration
	RequestsPerSecond int
	MaxRateLimitWait  time.Duration
	ProfileLookup     bool
}

type SMTPConfig struct {
	DialTimeout      time.Duration
	SendTimeout      time.Duration
	ProbeTimeout     time.Duration
	MaxTargets       int
	DefaultBatchSize int
	DefaultDelayMs   int
}

type RunConfig struct {
	HistorySize int
}

var AppConfig *Config

// Load loads configuration from .env file and environment variables
func Load() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			Mode:            getEnv("GIN_MODE", "release"),
			ReadTimeout:     getEnvAsInt("READ_TIMEOUT", 15),
			WriteTimeout:    getEnvAsInt("WRITE_TIMEOUT", 0),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Backend: strings.ToLower(getEnv("STORE_BACKEND", "sqlite")),
			Path:    getEnv("DB_PATH", "./repomailer.db"),
		},
		GitHub: GitHubConfig{
			Token:             getEnv("GITHUB_TOKEN", ""),
			APIURL:            getEnv("GITHUB_API_URL", ""),
			CallTimeout:       getEnvAsDuration("GITHUB_CALL_TIMEOUT", 30*time.Second),
			RequestsPerSecond: getEnvAsInt("GITHUB_REQUESTS_PER_SECOND", 10),
			MaxRateLimitWait:  getEnvAsDuration("GITHUB_MAX_RATE_LIMIT_WAIT", 65*time.Minute),
			ProfileLookup:     getEnvAsBool("GITHUB_PROFILE_LOOKUP", true),
		},
		SMTP: SMTPConfig{
			DialTimeout:      getEnvAsDuration("SMTP_DIAL_TIMEOUT", 10*time.Second),
			SendTimeout:      getEnvAsDuration("SMTP_SEND_TIMEOUT", 60*time.Second),
			ProbeTimeout:     getEnvAsDuration("PORT_PROBE_TIMEOUT", 5*time.Second),
			MaxTargets:       getEnvAsInt("MAX_DISPATCH_TARGETS", 500),
			DefaultBatchSize: getEnvAsInt("DEFAULT_BATCH_SIZE", 5),
			DefaultDelayMs:   getEnvAsInt("DEFAULT_BATCH_DELAY_MS", 1000),
		},
		Runs: RunConfig{
			HistorySize: getEnvAsInt("RUN_HISTORY", 200),
		},
	}

	return nil
}

// Default returns a configuration populated only with defaults, ignoring the environment
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: "8080", Mode: "release", ReadTimeout: 15, ShutdownTimeout: 30 * time.Second},
		Database: DatabaseConfig{Backend: "memory", Path: "./repomailer.db"},
		GitHub: GitHubConfig{
			CallTimeout:       30 * time.Second,
			RequestsPerSecond: 10,
			MaxRateLimitWait:  65 * time.Minute,
			ProfileLookup:     true,
		},
		SMTP: SMTPConfig{
			DialTimeout:      10 * time.Second,
			SendTimeout:      60 * time.Second,
			ProbeTimeout:     5 * time.Second,
			MaxTargets:       500,
			DefaultBatchSize: 5,
			DefaultDelayMs:   1000,
		},
		Runs: RunConfig{HistorySize: 200},
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("90s") or plain seconds ("90")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
