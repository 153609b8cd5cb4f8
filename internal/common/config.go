package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Ledger  LedgerConfig
	Watch   WatchConfig
	Extract ExtractConfig
	Sheets  SheetsConfig
}

// LedgerConfig holds ledger persistence configuration
type LedgerConfig struct {
	Path       string // sqlite file path
	MaxRetries int    // append attempts before FAILED becomes terminal
}

// WatchConfig holds folder-watching configuration
type WatchConfig struct {
	Debounce         time.Duration
	StabilityPoll    time.Duration // interval between size/mtime observations
	StabilityTimeout time.Duration // give up waiting for a file to settle
	Workers          int
	QueueSize        int
	InitialScan      bool
}

// ExtractConfig holds text-extraction configuration
type ExtractConfig struct {
	Pdftoppm  string // binary name or absolute path; if empty -> "pdftoppm"
	Tesseract string // binary name or absolute path; if empty -> "tesseract"
	Lang      string // default "eng"
	DPI       int    // rasterization DPI for scanned PDFs, default 200
	MaxPages  int    // OCR page cap, default 10
	MinChars  int    // embedded text below this floor falls back to OCR
}

// SheetsConfig holds remote spreadsheet configuration
type SheetsConfig struct {
	CredentialsFile string
	Timeout         time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Ledger: LedgerConfig{
			Path:       getEnv("LEDGER_PATH", "./invoicepipe.db"),
			MaxRetries: getEnvAsInt("APPEND_MAX_RETRIES", 5),
		},
		Watch: WatchConfig{
			Debounce:         getEnvAsDuration("WATCH_DEBOUNCE", 250*time.Millisecond),
			StabilityPoll:    getEnvAsDuration("STABILITY_POLL", 500*time.Millisecond),
			StabilityTimeout: getEnvAsDuration("STABILITY_TIMEOUT", 30*time.Second),
			Workers:          getEnvAsInt("PIPELINE_WORKERS", 4),
			QueueSize:        getEnvAsInt("PIPELINE_QUEUE_SIZE", 256),
			InitialScan:      getEnvAsBool("WATCH_INITIAL_SCAN", true),
		},
		Extract: ExtractConfig{
			Pdftoppm:  getEnv("PDFTOPPM_BIN", "pdftoppm"),
			Tesseract: getEnv("TESSERACT_BIN", "tesseract"),
			Lang:      getEnv("TESSERACT_LANG", "eng"),
			DPI:       getEnvAsInt("OCR_DPI", 200),
			MaxPages:  getEnvAsInt("OCR_MAX_PAGES", 10),
			MinChars:  getEnvAsInt("EXTRACT_MIN_CHARS", 32),
		},
		Sheets: SheetsConfig{
			CredentialsFile: getEnv("GOOGLE_CREDENTIALS_FILE", "./credentials.json"),
			Timeout:         getEnvAsDuration("SHEETS_TIMEOUT", 30*time.Second),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Ledger.Path == "" {
		return NewAppError("CONFIG_ERROR", "LEDGER_PATH is required", ErrInvalidInput)
	}
	if c.Ledger.MaxRetries < 1 {
		return NewAppError("CONFIG_ERROR", "APPEND_MAX_RETRIES must be >= 1", ErrInvalidInput)
	}
	if c.Watch.Workers < 1 {
		return NewAppError("CONFIG_ERROR", "PIPELINE_WORKERS must be >= 1", ErrInvalidInput)
	}
	return nil
}
