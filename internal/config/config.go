// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	GinMode  string `mapstructure:"GIN_MODE"`

	// Google Cloud
	ProjectID           string `mapstructure:"PROJECT_ID"`
	UploadsBucket       string `mapstructure:"UPLOADS_BUCKET"`
	SignerEmail         string `mapstructure:"SIGNER_EMAIL"`
	SignerKeyFile       string `mapstructure:"SIGNER_KEY_FILE"`
	FirestoreCollection string `mapstructure:"FIRESTORE_COLLECTION"`
	ReportsCollection   string `mapstructure:"REPORTS_COLLECTION"`
	VertexRegion        string `mapstructure:"VERTEX_AI_REGION"`
	ChatModel           string `mapstructure:"CHAT_MODEL"`
	OCRModel            string `mapstructure:"OCR_MODEL"`
	WorkflowID          string `mapstructure:"WORKFLOW_ID"`
	WorkflowLocation    string `mapstructure:"WORKFLOW_LOCATION"`

	// Backends
	RegistryBackend string `mapstructure:"REGISTRY_BACKEND"` // firestore | sqlite
	StorageBackend  string `mapstructure:"STORAGE_BACKEND"`  // gcs | local
	LLMBackend      string `mapstructure:"LLM_BACKEND"`      // vertex | openai | none
	DispatchMode    string `mapstructure:"DISPATCH_MODE"`    // local | workflow | event
	SQLitePath      string `mapstructure:"SQLITE_PATH"`
	LocalStoreDir   string `mapstructure:"LOCAL_STORE_DIR"`
	RedisURL        string `mapstructure:"REDIS_URL"`
	OpenAIAPIKey    string `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `mapstructure:"OPENAI_BASE_URL"`
	OpenAIModel     string `mapstructure:"OPENAI_MODEL"`
	GrammarURL      string `mapstructure:"GRAMMAR_URL"`
	GrammarRPS      int    `mapstructure:"GRAMMAR_RPS"`

	// Ingestion
	MaxUploadBytes   int64         `mapstructure:"MAX_UPLOAD_BYTES"`
	AllowedMimeTypes []string      `mapstructure:"ALLOWED_MIME_TYPES"`
	RateLimitMax     int           `mapstructure:"RATE_LIMIT_MAX"`
	RateLimitWindow  time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
	TextCacheTTL     time.Duration `mapstructure:"TEXT_CACHE_TTL"`
	TextCacheSize    int           `mapstructure:"TEXT_CACHE_SIZE"`
	EventGracePeriod time.Duration `mapstructure:"EVENT_GRACE_PERIOD"`
	OCRTimeout       time.Duration `mapstructure:"OCR_TIMEOUT"`
	ExtractWorkers   int           `mapstructure:"EXTRACT_WORKERS"`
	AuditPageCap     int           `mapstructure:"AUDIT_PAGE_CAP"`

	// Audit and turns
	PolicyDir         string        `mapstructure:"POLICY_DIR"`
	DefaultPolicy     string        `mapstructure:"DEFAULT_POLICY"`
	DetectionFloor    float64       `mapstructure:"DETECTION_FLOOR"`
	AuditTimeout      time.Duration `mapstructure:"AUDIT_TIMEOUT"`
	AuditorTimeout    time.Duration `mapstructure:"AUDITOR_TIMEOUT"`
	ReportTokenBudget int           `mapstructure:"REPORT_TOKEN_BUDGET"`
	TurnTimeout       time.Duration `mapstructure:"TURN_TIMEOUT"`
	HistoryLimit      int           `mapstructure:"HISTORY_LIMIT"`
}

var defaults = map[string]any{
	"PORT":                 "8080",
	"LOG_LEVEL":            "info",
	"GIN_MODE":             "release",
	"PROJECT_ID":           "",
	"UPLOADS_BUCKET":       "",
	"SIGNER_EMAIL":         "",
	"SIGNER_KEY_FILE":      "",
	"FIRESTORE_COLLECTION": "documents",
	"REPORTS_COLLECTION":   "reports",
	"VERTEX_AI_REGION":     "us-central1",
	"CHAT_MODEL":           "gemini-2.5-flash",
	"OCR_MODEL":            "gemini-2.5-flash",
	"WORKFLOW_ID":          "",
	"WORKFLOW_LOCATION":    "us-central1",
	"REGISTRY_BACKEND":     "firestore",
	"STORAGE_BACKEND":      "gcs",
	"LLM_BACKEND":          "vertex",
	"DISPATCH_MODE":        "local",
	"SQLITE_PATH":          "documentaudit.db",
	"LOCAL_STORE_DIR":      "objects",
	"REDIS_URL":            "",
	"OPENAI_API_KEY":       "",
	"OPENAI_BASE_URL":      "",
	"OPENAI_MODEL":         "",
	"GRAMMAR_URL":          "",
	"GRAMMAR_RPS":          2,
	"MAX_UPLOAD_BYTES":     25 << 20,
	"ALLOWED_MIME_TYPES":   "application/pdf,image/png,image/jpeg,text/plain,text/html",
	"RATE_LIMIT_MAX":       5,
	"RATE_LIMIT_WINDOW":    "1m",
	"TEXT_CACHE_TTL":       "1h",
	"TEXT_CACHE_SIZE":      512,
	"EVENT_GRACE_PERIOD":   "5m",
	"OCR_TIMEOUT":          "30s",
	"EXTRACT_WORKERS":      4,
	"AUDIT_PAGE_CAP":       50,
	"POLICY_DIR":           "policies",
	"DEFAULT_POLICY":       "",
	"DETECTION_FLOOR":      0.6,
	"AUDIT_TIMEOUT":        "45s",
	"AUDITOR_TIMEOUT":      "40s",
	"REPORT_TOKEN_BUDGET":  800,
	"TURN_TIMEOUT":         "90s",
	"HISTORY_LIMIT":        20,
}

// Load reads .env when present, then the environment. Environment values win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	for i, m := range cfg.AllowedMimeTypes {
		cfg.AllowedMimeTypes[i] = strings.ToLower(strings.TrimSpace(m))
	}
	return cfg, nil
}

// Validate checks that every backend selected has what it needs.
func (c *Config) Validate() error {
	var errs []error
	need := func(value, key string) {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s environment variable must be set", key))
		}
	}

	switch c.RegistryBackend {
	case "firestore":
		need(c.ProjectID, "PROJECT_ID")
	case "sqlite":
		need(c.SQLitePath, "SQLITE_PATH")
	default:
		errs = append(errs, fmt.Errorf("unknown REGISTRY_BACKEND %q", c.RegistryBackend))
	}
	switch c.StorageBackend {
	case "gcs":
		need(c.UploadsBucket, "UPLOADS_BUCKET")
	case "local":
		need(c.LocalStoreDir, "LOCAL_STORE_DIR")
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}
	switch c.LLMBackend {
	case "vertex":
		need(c.ProjectID, "PROJECT_ID")
		need(c.VertexRegion, "VERTEX_AI_REGION")
	case "openai":
		need(c.OpenAIModel, "OPENAI_MODEL")
	case "none":
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_BACKEND %q", c.LLMBackend))
	}
	switch c.DispatchMode {
	case "local", "event":
	case "workflow":
		need(c.ProjectID, "PROJECT_ID")
		need(c.WorkflowID, "WORKFLOW_ID")
	default:
		errs = append(errs, fmt.Errorf("unknown DISPATCH_MODE %q", c.DispatchMode))
	}
	if c.DispatchMode != "local" && c.StorageBackend == "local" {
		errs = append(errs, errors.New("DISPATCH_MODE local is required with STORAGE_BACKEND local"))
	}

	need(c.PolicyDir, "POLICY_DIR")
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	if len(c.AllowedMimeTypes) == 0 {
		errs = append(errs, errors.New("ALLOWED_MIME_TYPES must not be empty"))
	}
	if c.RateLimitMax <= 0 || c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW must be positive"))
	}
	if c.DetectionFloor <= 0 || c.DetectionFloor > 1 {
		errs = append(errs, fmt.Errorf("DETECTION_FLOOR must be in (0, 1], got %v", c.DetectionFloor))
	}
	return errors.Join(errs...)
}

// SetupLogging installs the JSON slog handler at the configured level.
func SetupLogging(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}
