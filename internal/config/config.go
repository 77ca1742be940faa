package config

import (
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Package-level configuration, populated once by Load. Platform credentials are
// not part of this set: they arrive through the settings API and live in the
// database. Only process-level knobs are read here.
var (
	DatabaseType string
	DatabasePath string
	DatabaseURL  string

	ClassifierAPIURL string
	ClassifierAPIKey string

	WebListenAddr string
	AdminUsername string
	AdminPassword string

	LockDir           string
	DataRetentionDays int

	ClassifierRatePerSecond float64
	BackfillPageDelayMs     int
	BackfillBatchPauseMs    int
)

// Load reads configuration from a .env file, an optional config.yml, and the
// environment. Environment variables override file settings.
func Load() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment and config file.")
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalf("Error reading config file: %v", err)
		}
	}

	viper.SetDefault("DATABASE_TYPE", "sqlite")
	viper.SetDefault("DATABASE_PATH", "moodwatch.db")
	viper.SetDefault("WEB_LISTEN_ADDR", ":8080")
	viper.SetDefault("LOCK_DIR", ".")
	viper.SetDefault("DATA_RETENTION_DAYS", 0)
	viper.SetDefault("CLASSIFIER_RATE_PER_SECOND", 5.0)
	viper.SetDefault("BACKFILL_PAGE_DELAY_MS", 1000)
	viper.SetDefault("BACKFILL_BATCH_PAUSE_MS", 5000)

	DatabaseType = viper.GetString("DATABASE_TYPE")
	DatabasePath = viper.GetString("DATABASE_PATH")
	DatabaseURL = viper.GetString("DATABASE_URL")

	ClassifierAPIURL = viper.GetString("CLASSIFIER_API_URL")
	ClassifierAPIKey = viper.GetString("CLASSIFIER_API_KEY")

	WebListenAddr = viper.GetString("WEB_LISTEN_ADDR")
	AdminUsername = viper.GetString("ADMIN_USERNAME")
	AdminPassword = viper.GetString("ADMIN_PASSWORD")

	LockDir = viper.GetString("LOCK_DIR")
	DataRetentionDays = viper.GetInt("DATA_RETENTION_DAYS")

	ClassifierRatePerSecond = viper.GetFloat64("CLASSIFIER_RATE_PER_SECOND")
	BackfillPageDelayMs = viper.GetInt("BACKFILL_PAGE_DELAY_MS")
	BackfillBatchPauseMs = viper.GetInt("BACKFILL_BATCH_PAUSE_MS")
}

// GetDatabaseConnectionString returns the driver-appropriate connection string.
func GetDatabaseConnectionString() string {
	if DatabaseType == "postgres" {
		return DatabaseURL
	}
	return DatabasePath
}
