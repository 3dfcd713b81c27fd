package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-logrca/internal/utils"
)

// Config captures every setting required to run the analyzer.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Search   SearchConfig   `yaml:"search"`
	AI       AIConfig       `yaml:"ai"`
	Mail     MailConfig     `yaml:"mail"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Results  ResultsConfig  `yaml:"results"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Cache    CacheConfig    `yaml:"cache"`
}

// ServerConfig controls the listeners started in scheduled mode.
type ServerConfig struct {
	GRPCAddress     string        `yaml:"grpcAddress"`
	HTTPAddress     string        `yaml:"httpAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout" validate:"gte=0"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string            `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool              `yaml:"json"`
	File  LoggingFileConfig `yaml:"file"`
}

// LoggingFileConfig enables a rotating log file next to stdout.
type LoggingFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"maxSizeMB" validate:"gte=0"`
	MaxBackups int    `yaml:"maxBackups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"maxAgeDays" validate:"gte=0"`
	Compress   bool   `yaml:"compress"`
}

// SearchConfig configures the OpenSearch-compatible log backend.
type SearchConfig struct {
	Addresses          []string      `yaml:"addresses" validate:"dive,url"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	Index              string        `yaml:"index"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify"`
	Timeout            time.Duration `yaml:"timeout" validate:"gte=0"`
	PageSize           int           `yaml:"pageSize" validate:"gte=1,lte=10000"`
	MaxRecords         int           `yaml:"maxRecords" validate:"gte=1"`
	DefaultSeverities  []string      `yaml:"defaultSeverities"`
	Fields             FieldMappings `yaml:"fields"`
	Retry              RetryConfig   `yaml:"retry"`
}

// FieldMappings names the dot-path of canonical fields inside raw documents.
type FieldMappings struct {
	Timestamp       string `yaml:"timestamp" validate:"required"`
	Message         string `yaml:"message" validate:"required"`
	FallbackMessage string `yaml:"fallbackMessage"`
	Severity        string `yaml:"severity"`
	Service         string `yaml:"service"`
	Environment     string `yaml:"environment"`
}

// RetryConfig is a capped exponential backoff policy.
type RetryConfig struct {
	Attempts int           `yaml:"attempts" validate:"gte=1,lte=10"`
	Base     time.Duration `yaml:"base" validate:"gte=0"`
	Max      time.Duration `yaml:"max" validate:"gte=0"`
}

// AIConfig configures the OpenAI-compatible completion endpoint.
type AIConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BaseURL           string        `yaml:"baseURL" validate:"omitempty,url"`
	APIKey            string        `yaml:"apiKey"`
	Model             string        `yaml:"model" validate:"required_if=Enabled true"`
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
	Temperature       float32       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens         int           `yaml:"maxTokens" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
	Concurrency       int           `yaml:"concurrency" validate:"gte=1"`
}

// MailConfig configures SMTP delivery of reports.
type MailConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port" validate:"gte=0,lte=65535"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	From           string        `yaml:"from" validate:"omitempty,email"`
	Recipients     []string      `yaml:"recipients" validate:"dive,email"`
	TLSPolicy      string        `yaml:"tlsPolicy" validate:"omitempty,oneof=mandatory opportunistic none"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout" validate:"gte=0"`
	Retry          RetryConfig   `yaml:"retry"`
	MaxGroups      int           `yaml:"maxGroupsInReport" validate:"gte=1"`
}

// AnalysisConfig holds the classifier, correlator and synthesizer policy.
type AnalysisConfig struct {
	RulesPath             string              `yaml:"rulesPath"`
	SolutionsPath         string              `yaml:"solutionsPath"`
	PatternMinOccurrences int                 `yaml:"patternMinOccurrences" validate:"gte=1"`
	PatternMinTimestamps  int                 `yaml:"patternMinDistinctTimestamps" validate:"gte=1"`
	CascadeServices       int                 `yaml:"cascadeServices" validate:"gte=2"`
	CorrelationSlack      time.Duration       `yaml:"correlationSlack" validate:"gte=0"`
	SizeWeight            float64             `yaml:"sizeWeight" validate:"gte=0,lte=1"`
	SeverityWeight        float64             `yaml:"severityWeight" validate:"gte=0,lte=1"`
	RecencyWeight         float64             `yaml:"recencyWeight" validate:"gte=0,lte=1"`
	SizeSaturation        int                 `yaml:"sizeSaturation" validate:"gte=1"`
	HeuristicFloor        float64             `yaml:"heuristicFloor" validate:"gte=0,lte=1"`
	AIWeight              float64             `yaml:"aiWeight" validate:"gte=0,lte=1"`
	MaxCandidates         int                 `yaml:"maxCandidates" validate:"gte=1"`
	MaxSolutions          int                 `yaml:"maxSolutions" validate:"gte=0"`
	Dependencies          map[string][]string `yaml:"dependencies"`
}

// ResultsConfig controls persistence of analysis results.
type ResultsConfig struct {
	Dir          string `yaml:"dir" validate:"required"`
	Index        string `yaml:"index"`
	PatternIndex string `yaml:"patternIndex"`
}

// ScheduleConfig controls the daily trigger.
type ScheduleConfig struct {
	Time     string `yaml:"time"`
	Hours    int    `yaml:"hours" validate:"gte=1"`
	Timezone string `yaml:"timezone"`
}

// CacheConfig controls Valkey-backed caching and the cross-process run lock.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr" validate:"required_if=Enabled true"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db" validate:"gte=0"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	MaxRetries    int           `yaml:"maxRetries"`
	TLS           bool          `yaml:"tls"`
	LockTTL       time.Duration `yaml:"lockTTL" validate:"gte=0"`
	CompletionTTL time.Duration `yaml:"completionTTL" validate:"gte=0"`
}

// Load initialises Config from a YAML file, environment substitution and overrides,
// then validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("LOGRCA_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints plus the cross-field rules validator tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Schedule.Time != "" {
		if _, _, err := utils.ParseClock(c.Schedule.Time); err != nil {
			return fmt.Errorf("invalid config: schedule.time: %w", err)
		}
	}
	if c.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
			return fmt.Errorf("invalid config: schedule.timezone: %w", err)
		}
	}
	a := c.Analysis
	if a.SizeWeight+a.SeverityWeight+a.RecencyWeight <= 0 {
		return fmt.Errorf("invalid config: analysis weights must not all be zero")
	}
	return nil
}

// SearchConfigured reports whether a search backend address is set.
func (c *Config) SearchConfigured() bool { return len(c.Search.Addresses) > 0 }

// MailConfigured reports whether SMTP delivery is possible.
func (c *Config) MailConfigured() bool {
	return c.Mail.Host != "" && c.Mail.From != "" && len(c.Mail.Recipients) > 0
}

// AIConfigured reports whether the completion endpoint should be used.
func (c *Config) AIConfigured() bool { return c.AI.Enabled && c.AI.APIKey != "" }

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			GRPCAddress:     ":50051",
			HTTPAddress:     ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  LoggingFileConfig{MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30, Compress: true},
		},
		Search: SearchConfig{
			Index:             "logs-*",
			Timeout:           30 * time.Second,
			PageSize:          1000,
			MaxRecords:        100000,
			DefaultSeverities: []string{"error", "critical"},
			Fields: FieldMappings{
				Timestamp:       "@timestamp",
				Message:         "message",
				FallbackMessage: "error.message",
				Severity:        "log.level",
				Service:         "service.name",
				Environment:     "service.environment",
			},
			Retry: RetryConfig{Attempts: 3, Base: time.Second, Max: 10 * time.Second},
		},
		AI: AIConfig{
			Model:             "gemini-1.5-pro",
			BaseURL:           "https://generativelanguage.googleapis.com/v1beta/openai/",
			Timeout:           30 * time.Second,
			Temperature:       0.1,
			MaxTokens:         2048,
			RequestsPerSecond: 1,
			Burst:             2,
			Concurrency:       4,
		},
		Mail: MailConfig{
			Port:           587,
			TLSPolicy:      "mandatory",
			AttemptTimeout: 30 * time.Second,
			Retry:          RetryConfig{Attempts: 3, Base: 2 * time.Second, Max: 10 * time.Second},
			MaxGroups:      20,
		},
		Analysis: AnalysisConfig{
			PatternMinOccurrences: 3,
			PatternMinTimestamps:  2,
			CascadeServices:       3,
			CorrelationSlack:      5 * time.Minute,
			SizeWeight:            0.4,
			SeverityWeight:        0.35,
			RecencyWeight:         0.25,
			SizeSaturation:        100,
			HeuristicFloor:        0.1,
			AIWeight:              0.6,
			MaxCandidates:         5,
			MaxSolutions:          3,
		},
		Results:  ResultsConfig{Dir: "results"},
		Schedule: ScheduleConfig{Time: "02:00", Hours: 24, Timezone: "UTC"},
		Cache: CacheConfig{
			DialTimeout:   2 * time.Second,
			ReadTimeout:   500 * time.Millisecond,
			WriteTimeout:  500 * time.Millisecond,
			MaxRetries:    2,
			LockTTL:       2 * time.Hour,
			CompletionTTL: 24 * time.Hour,
		},
	}
}
