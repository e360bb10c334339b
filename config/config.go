package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"stock_tracker_backend/models"
)

type Config struct {
	Port           string
	Environment    string
	LogLevel       string
	AllowedOrigins []string
	ShutdownGrace  time.Duration

	DBDriver    string // postgres or sqlite
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	SQLitePath  string
	SeedCatalog bool

	JWTSecret           string
	SubscriptionRateMax int // subscription changes per user per window
	SubscriptionRateWin time.Duration

	TrackingIntervals   map[models.AssetType]time.Duration
	FetchMaxConcurrency int
	FetchTimeout        time.Duration
	PersistTimeout      time.Duration
	DedupKeys           string // TYPE:id=key,...

	TWSEBaseURL    string
	BinanceBaseURL string
	RateTableURL   string
	RateTableTTL   time.Duration

	HistoryBackend       string // sql, mongo or none
	HistoryRetentionDays int
	MongoURI             string
	MongoDatabase        string

	RedisAddr     string // empty disables Redis; the in-memory cache is used instead
	RedisPassword string
	RedisDB       int
	PriceCacheTTL time.Duration

	KafkaBrokers []string // empty disables the Kafka sink
	KafkaTopic   string

	WSMaxClients   int
	TracingEnabled bool
	RefreshEvery   time.Duration
}

var AppConfig *Config

// defaultIntervals are the timer periods per asset type
var defaultIntervals = map[models.AssetType]time.Duration{
	models.AssetTypeStock:    60 * time.Second,
	models.AssetTypeCrypto:   5 * time.Second,
	models.AssetTypeCurrency: 60 * time.Second,
}

// LoadConfig loads environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		ShutdownGrace:  getEnvDuration("SHUTDOWN_GRACE", 15*time.Second),

		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", "postgres")),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnv("DB_PORT", "5432"),
		DBUser:      getEnv("DB_USER", "postgres"),
		DBPassword:  getEnv("DB_PASSWORD", ""),
		DBName:      getEnv("DB_NAME", "stock_tracker"),
		DBSSLMode:   getEnv("DB_SSLMODE", "disable"),
		SQLitePath:  getEnv("SQLITE_PATH", "stock_tracker.db"),
		SeedCatalog: getEnvBool("SEED_CATALOG", true),

		JWTSecret:           getEnv("JWT_SECRET", ""),
		SubscriptionRateMax: getEnvInt("SUBSCRIPTION_RATE_LIMIT", 30),
		SubscriptionRateWin: getEnvDuration("SUBSCRIPTION_RATE_WINDOW", time.Minute),

		TrackingIntervals:   make(map[models.AssetType]time.Duration),
		FetchMaxConcurrency: getEnvInt("FETCH_MAX_CONCURRENCY", 8),
		FetchTimeout:        getEnvDuration("FETCH_TIMEOUT", 10*time.Second),
		PersistTimeout:      getEnvDuration("PERSIST_TIMEOUT", 10*time.Second),
		DedupKeys:           getEnv("TRACKING_DEDUP_KEYS", ""),

		TWSEBaseURL:    getEnv("TWSE_BASE_URL", ""),
		BinanceBaseURL: getEnv("BINANCE_BASE_URL", ""),
		RateTableURL:   getEnv("RATE_TABLE_URL", ""),
		RateTableTTL:   getEnvDuration("RATE_TABLE_TTL", 30*time.Second),

		HistoryBackend:       strings.ToLower(getEnv("HISTORY_BACKEND", "sql")),
		HistoryRetentionDays: getEnvInt("HISTORY_RETENTION_DAYS", 30),
		MongoURI:             getEnv("MONGODB_URI", ""),
		MongoDatabase:        getEnv("MONGODB_DATABASE", "stock_tracker"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		PriceCacheTTL: getEnvDuration("PRICE_CACHE_TTL", 24*time.Hour),

		KafkaBrokers: getEnvList("KAFKA_BROKERS", nil),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "price-broadcasts"),

		WSMaxClients:   getEnvInt("WS_MAX_CLIENTS", 1000),
		TracingEnabled: getEnvBool("TRACING_ENABLED", false),
		RefreshEvery:   getEnvDuration("TRACKING_REFRESH_EVERY", 4*time.Hour),
	}

	for _, t := range models.AllAssetTypes() {
		config.TrackingIntervals[t] = getEnvDuration("TRACKING_"+string(t)+"_INTERVAL", defaultIntervals[t])
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	AppConfig = config
	return config, nil
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	switch c.HistoryBackend {
	case "sql", "none":
	case "mongo":
		if c.MongoURI == "" {
			return fmt.Errorf("HISTORY_BACKEND=mongo requires MONGODB_URI")
		}
	default:
		return fmt.Errorf("unsupported HISTORY_BACKEND %q", c.HistoryBackend)
	}
	if c.JWTSecret == "" && c.Environment == "production" {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	for t, d := range c.TrackingIntervals {
		if d <= 0 {
			return fmt.Errorf("tracking interval for %s must be positive", t)
		}
	}
	if c.FetchMaxConcurrency <= 0 {
		return fmt.Errorf("FETCH_MAX_CONCURRENCY must be positive")
	}
	return nil
}

// InitDB initializes database connection
func InitDB(cfg *Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "sqlite":
		log.Printf("Opening sqlite database: %s", cfg.SQLitePath)
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		// Log connection info (masked for security)
		log.Printf("Connecting to database: host=%s port=%s user=%s dbname=%s",
			maskHost(cfg.DBHost),
			cfg.DBPort,
			cfg.DBUser,
			cfg.DBName,
		)
		dsn := fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=Asia/Taipei",
			cfg.DBHost,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBPort,
			cfg.DBSSLMode,
		)
		dialector = postgres.Open(dsn)
	}

	var logLevel logger.LogLevel
	if cfg.Environment == "production" {
		logLevel = logger.Error
	} else {
		logLevel = logger.Warn
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection with ping
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Printf("Database connection verified successfully")
	return db, nil
}

// maskHost masks host for logging, preserving domain structure
func maskHost(host string) string {
	if len(host) <= 3 {
		return "***"
	}
	if len(host) <= 15 {
		return host[:3] + "***"
	}
	return host[:8] + "***" + host[len(host)-10:]
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid %s=%q, using %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Invalid %s=%q, using %t", key, value, defaultValue)
		return defaultValue
	}
	return b
}

// getEnvDuration accepts Go durations ("5s") or plain seconds ("5")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
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
	log.Printf("Invalid %s=%q, using %s", key, value, defaultValue)
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty items
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
