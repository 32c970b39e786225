package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// This function will Load the ENVIORNMENT VARIABLES from .env if GO_ENV variable is not set
func LoadENV() error {
	goEnv := os.Getenv("GO_ENV")

	if goEnv == "" || goEnv == "development" {
		err := godotenv.Load()
		if err != nil {
			return err
		}
	}

	return nil
}

type EnviornmentVariable struct {
	// All variables
	GO_ENV       string
	DB_USER_NAME string
	DB_PASSWORD  string
	DB_NAME      string
	DB_HOST      string
	DB_PORT      string
	DB_SSL_MODE  string
	PORT         int
	// JWT Configuration
	JWT_SECRET          string
	JWT_ISSUER          string
	ADMIN_PASSWORD_HASH string
	// Redis Configuration
	REDIS_URL      string
	REDIS_PASSWORD string
	REDIS_DB       string
	// Azure OpenAI Configuration
	AZURE_OPENAI_ENDPOINT    string
	AZURE_OPENAI_API_KEY     string
	AZURE_OPENAI_DEPLOYMENT  string
	AZURE_OPENAI_API_VERSION string
	// AI pipeline tuning
	AI_BATCH_SIZE    int
	AI_CONCURRENCY   int
	AI_WAVE_COOLDOWN time.Duration
	QROC_MATCH_MODE  string
	// Spaces (S3-compatible) object storage
	SPACES_ACCESS_KEY string
	SPACES_SECRET_KEY string
	SPACES_BUCKET     string
	SPACES_REGION     string
	SPACES_ENDPOINT   string
}

func Get() (*EnviornmentVariable, error) {

	port, err := strconv.Atoi(os.Getenv("PORT"))
	if err != nil {
		port = 8080
	}

	// Database defaults
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}

	dbPort := os.Getenv("DB_PORT")
	if dbPort == "" {
		dbPort = "5432"
	}

	matchMode := os.Getenv("QROC_MATCH_MODE")
	if matchMode == "" {
		matchMode = "contains"
	}

	apiVersion := os.Getenv("AZURE_OPENAI_API_VERSION")
	if apiVersion == "" {
		apiVersion = "2024-08-01-preview"
	}

	envVariables := &EnviornmentVariable{
		GO_ENV:       os.Getenv("GO_ENV"),
		DB_USER_NAME: os.Getenv("DB_USER_NAME"),
		DB_PASSWORD:  os.Getenv("DB_PASSWORD"),
		DB_NAME:      os.Getenv("DB_NAME"),
		DB_HOST:      dbHost,
		DB_PORT:      dbPort,
		DB_SSL_MODE:  os.Getenv("DB_SSL_MODE"),
		PORT:         port,
		// JWT
		JWT_SECRET:          os.Getenv("JWT_SECRET"),
		JWT_ISSUER:          os.Getenv("JWT_ISSUER"),
		ADMIN_PASSWORD_HASH: os.Getenv("ADMIN_PASSWORD_HASH"),
		// Redis
		REDIS_URL:      os.Getenv("REDIS_URL"),
		REDIS_PASSWORD: os.Getenv("REDIS_PASSWORD"),
		REDIS_DB:       os.Getenv("REDIS_DB"),
		// Azure OpenAI
		AZURE_OPENAI_ENDPOINT:    os.Getenv("AZURE_OPENAI_ENDPOINT"),
		AZURE_OPENAI_API_KEY:     os.Getenv("AZURE_OPENAI_API_KEY"),
		AZURE_OPENAI_DEPLOYMENT:  os.Getenv("AZURE_OPENAI_DEPLOYMENT"),
		AZURE_OPENAI_API_VERSION: apiVersion,
		// AI pipeline
		AI_BATCH_SIZE:    envInt("AI_BATCH_SIZE", 20),
		AI_CONCURRENCY:   envInt("AI_CONCURRENCY", 4),
		AI_WAVE_COOLDOWN: time.Duration(envInt("AI_WAVE_COOLDOWN_MS", 2000)) * time.Millisecond,
		QROC_MATCH_MODE:  matchMode,
		// Spaces
		SPACES_ACCESS_KEY: os.Getenv("SPACES_ACCESS_KEY"),
		SPACES_SECRET_KEY: os.Getenv("SPACES_SECRET_KEY"),
		SPACES_BUCKET:     os.Getenv("SPACES_BUCKET"),
		SPACES_REGION:     os.Getenv("SPACES_REGION"),
		SPACES_ENDPOINT:   os.Getenv("SPACES_ENDPOINT"),
	}

	return envVariables, nil
}

func envInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
