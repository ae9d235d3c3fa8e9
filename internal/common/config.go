package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	Intake  IntakeConfig
	Image   ImageConfig
	OCR     OCRConfig
	Mapping MappingConfig
	Review  ReviewConfig
	Store   StoreConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr                  string
	MaxConcurrentRequests int64
	MaxOCRConcurrent      int64
	RequestsPerMinute     float64
	MaxUploadBytes        int64
	ReadHeaderTimeout     time.Duration
	ExtractTimeout        time.Duration
	ShutdownTimeout       time.Duration
}

// IntakeConfig holds document normalization configuration.
type IntakeConfig struct {
	Pdftotext        string // binary name or absolute path; if empty -> "pdftotext"
	Pdftoppm         string // binary name or absolute path; if empty -> "pdftoppm"
	DPI              int    // rasterization DPI, clamped to 300..400
	MaxPages         int    // 0 = no limit
	MinEmbeddedWords int    // embedded text below this word count falls back to raster
}

// ImageConfig holds preprocessing configuration.
type ImageConfig struct {
	ProbeFloor    float64 // probe confidence below this triggers rotation retries
	MaxSkewDegree float64 // deskew search window, +/- degrees
}

// OCRConfig holds recognition ensemble configuration.
type OCRConfig struct {
	TesseractLang       string
	TessdataDir         string
	PaddleBin           string // paddleocr CLI; empty disables the alternate local engine
	EscalationThreshold float64
	NoiseRatioCutoff    float64
	DisagreementPenalty float64
	MaxConcurrent       int64

	CloudTimeout   time.Duration
	CloudRetries   int
	CloudRateLimit float64 // calls per second across all cloud engines

	VertexProject string // empty disables the Vertex engine
	VertexRegion  string
	VertexModel   string

	RemoteOCRURL   string // empty disables the remote HTTP engine
	RemoteOCRKey   string
	RemoteOCRModel string
}

// MappingConfig holds field mapping and validation configuration.
type MappingConfig struct {
	TemplateDir        string // extra template files loaded on top of the embedded set
	CrossFootTolerance float64
}

// ReviewConfig holds review surface configuration.
type ReviewConfig struct {
	Threshold float64 // fields below this confidence are queued for review
}

// StoreConfig holds feedback store configuration.
type StoreConfig struct {
	Driver          string // "sqlite" | "postgres"
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	DialTimeout     time.Duration
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                  getEnv("HTTP_ADDR", ":8090"),
			MaxConcurrentRequests: int64(getEnvAsInt("MAX_CONCURRENT_REQUESTS", 16)),
			MaxOCRConcurrent:      int64(getEnvAsInt("MAX_OCR_CONCURRENT", 4)),
			RequestsPerMinute:     getEnvAsFloat("REQUESTS_PER_MINUTE", 60),
			MaxUploadBytes:        int64(getEnvAsInt("MAX_UPLOAD_BYTES", 32<<20)),
			ReadHeaderTimeout:     getEnvAsDuration("READ_HEADER_TIMEOUT", 5*time.Second),
			ExtractTimeout:        getEnvAsDuration("EXTRACT_TIMEOUT", 2*time.Minute),
			ShutdownTimeout:       getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Intake: IntakeConfig{
			Pdftotext:        getEnv("PDFTOTEXT_BIN", "pdftotext"),
			Pdftoppm:         getEnv("PDFTOPPM_BIN", "pdftoppm"),
			DPI:              getEnvAsInt("RASTER_DPI", 300),
			MaxPages:         getEnvAsInt("MAX_PAGES", 0),
			MinEmbeddedWords: getEnvAsInt("MIN_EMBEDDED_WORDS", 25),
		},
		Image: ImageConfig{
			ProbeFloor:    getEnvAsFloat("PROBE_FLOOR", 0.45),
			MaxSkewDegree: getEnvAsFloat("MAX_SKEW_DEGREE", 5.0),
		},
		OCR: OCRConfig{
			TesseractLang:       getEnv("TESSERACT_LANG", "eng"),
			TessdataDir:         getEnv("TESSDATA_PREFIX", ""),
			PaddleBin:           getEnv("PADDLE_OCR_BIN", ""),
			EscalationThreshold: getEnvAsFloat("ESCALATION_THRESHOLD", 0.70),
			NoiseRatioCutoff:    getEnvAsFloat("NOISE_RATIO_CUTOFF", 0.30),
			DisagreementPenalty: getEnvAsFloat("DISAGREEMENT_PENALTY", 0.15),
			MaxConcurrent:       int64(getEnvAsInt("OCR_MAX_CONCURRENT", 4)),
			CloudTimeout:        getEnvAsDuration("CLOUD_OCR_TIMEOUT", 30*time.Second),
			CloudRetries:        getEnvAsInt("CLOUD_OCR_RETRIES", 2),
			CloudRateLimit:      getEnvAsFloat("CLOUD_OCR_RATE_LIMIT", 2),
			VertexProject:       getEnv("VERTEX_PROJECT", ""),
			VertexRegion:        getEnv("VERTEX_REGION", "us-central1"),
			VertexModel:         getEnv("VERTEX_MODEL", "gemini-1.5-pro"),
			RemoteOCRURL:        getEnv("REMOTE_OCR_URL", ""),
			RemoteOCRKey:        getEnv("REMOTE_OCR_API_KEY", ""),
			RemoteOCRModel:      getEnv("REMOTE_OCR_MODEL", "mistral-ocr-latest"),
		},
		Mapping: MappingConfig{
			TemplateDir:        getEnv("TEMPLATE_DIR", ""),
			CrossFootTolerance: getEnvAsFloat("CROSSFOOT_TOLERANCE", 1.00),
		},
		Review: ReviewConfig{
			Threshold: getEnvAsFloat("REVIEW_THRESHOLD", 0.75),
		},
		Store: StoreConfig{
			Driver:          getEnv("STORE_DRIVER", "sqlite"),
			DSN:             getEnv("STORE_DSN", "file:taxdoc.db"),
			MaxConns:        int32(getEnvAsInt("DB_MAX_CONNS", 10)),
			MinConns:        int32(getEnvAsInt("DB_MIN_CONNS", 2)),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			DialTimeout:     getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
		},
	}
}

// Validate checks configuration consistency before startup.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return NewAppError(KindUnsupportedFormat, "HTTP_ADDR is required", nil)
	}
	if c.OCR.EscalationThreshold < 0 || c.OCR.EscalationThreshold > 1 {
		return NewAppError(KindValidationFailure, "ESCALATION_THRESHOLD must be in [0,1]", nil)
	}
	if c.Review.Threshold < 0 || c.Review.Threshold > 1 {
		return NewAppError(KindValidationFailure, "REVIEW_THRESHOLD must be in [0,1]", nil)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return NewAppError(KindValidationFailure, "STORE_DRIVER must be sqlite or postgres", nil)
	}
	return nil
}

// Helper functions for environment variable parsing.
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
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
