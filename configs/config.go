package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type S3 struct {
	Region     string
	AccessKey  string
	SecretKey  string
	BucketName string
	PublicURL  string
}

type Limits struct {
	DailyMax       int
	MonthlyMax     int
	BatchCap       int
	InterItemDelay time.Duration
	RateLimitHints []string
}

type Config struct {
	TwitterClientID     string
	TwitterClientSecret string
	PostgresURI         string
	RedisURI            string
	FrontendURL         string
	S3                  S3
	Limits              Limits
	SecretKey           string
	CookieName          string
	CronSecret          string
}

func LoadConfig() *Config {
	return &Config{
		TwitterClientID:     getEnv("TWITTER_CLIENT_ID", ""),
		TwitterClientSecret: getEnv("TWITTER_CLIENT_SECRET", ""),
		PostgresURI:         getEnv("POSTGRES_URI", ""),
		RedisURI:            getEnv("REDIS_URI", "127.0.0.1:6379"),
		FrontendURL:         getEnv("FRONTEND_URL", "http://localhost:5173"),
		S3: S3{
			Region:     getEnv("S3_REGION", "us-east-1"),
			AccessKey:  getEnv("S3_ACCESS_KEY", ""),
			SecretKey:  getEnv("S3_SECRET_KEY", ""),
			BucketName: getEnv("S3_BUCKET_NAME", ""),
			PublicURL:  getEnv("S3_PUBLIC_URL", ""),
		},
		Limits: Limits{
			DailyMax:       getEnvInt("DAILY_POSTS_MAX", 17),
			MonthlyMax:     getEnvInt("MONTHLY_POSTS_MAX", 500),
			BatchCap:       getEnvInt("DISPATCH_BATCH_CAP", 10),
			InterItemDelay: time.Duration(getEnvInt("DISPATCH_DELAY_MS", 2000)) * time.Millisecond,
			RateLimitHints: getEnvList("RATE_LIMIT_HINTS", []string{
				"rate limit",
				"429",
				"too many requests",
				"rate limit exceeded",
				"request limit exceeded",
			}),
		},
		SecretKey:  getEnv("SECRET_KEY", ""),
		CookieName: getEnv("COOKIE_NAME", "featherpost_session"),
		CronSecret: getEnv("CRON_SECRET", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
