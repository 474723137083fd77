package main

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ServerID   string
	RoutesFile string
	LogLevel   string

	LokiURL      string
	LokiUsername string
	LokiPassword string

	AMQPURL       string
	QueueWorkers  int
	EncryptionKey string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	WebListen            string
	MetricsListen        string
	APIKey               string
	HAProxyProxyProtocol bool
}

// DatabaseEnabled reports whether users should come from postgres instead of
// the routes file.
func (c Config) DatabaseEnabled() bool {
	return c.DBHost != ""
}

func (c Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   net.JoinHostPort(c.DBHost, c.DBPort),
		Path:   "/" + c.DBName,
	}
	return u.String()
}

// LoadConfig reads .env when present and the process environment otherwise.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		logf := LoggingFormat{Type: LogType.Config, Level: logrus.DebugLevel, Message: "no .env file, using process environment"}
		logf.Print()
	}
	return configFromEnv()
}

func configFromEnv() (Config, error) {
	cfg := Config{
		ServerID:     getenv("SERVER_ID", "smpp-routing-gw"),
		RoutesFile:   getenv("ROUTES_FILE", "routes.yaml"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		LokiURL:      os.Getenv("LOKI_URL"),
		LokiUsername: os.Getenv("LOKI_USERNAME"),
		LokiPassword: os.Getenv("LOKI_PASSWORD"),

		AMQPURL:       os.Getenv("AMQP_URL"),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		DBHost:     os.Getenv("DB_HOST"),
		DBPort:     getenv("DB_PORT", "5432"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),

		WebListen:     getenv("WEB_LISTEN", "0.0.0.0:3000"),
		MetricsListen: getenv("METRICS_LISTEN", ":2550"),
		APIKey:        os.Getenv("API_KEY"),
	}

	workers, err := strconv.Atoi(getenv("QUEUE_WORKERS", "4"))
	if err != nil || workers < 1 {
		return Config{}, fmt.Errorf("QUEUE_WORKERS must be a positive integer, got %q", os.Getenv("QUEUE_WORKERS"))
	}
	cfg.QueueWorkers = workers

	if v := os.Getenv("HAPROXY_PROXY_PROTOCOL"); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return Config{}, fmt.Errorf("HAPROXY_PROXY_PROTOCOL: %w", err)
		}
		cfg.HAProxyProxyProtocol = b
	}

	if cfg.DatabaseEnabled() && cfg.EncryptionKey == "" {
		return Config{}, fmt.Errorf("ENCRYPTION_KEY is required when DB_HOST is set")
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
