package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOGRCA_GRPC_ADDRESS"); v != "" {
		cfg.Server.GRPCAddress = v
	}
	if v := os.Getenv("LOGRCA_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("LOGRCA_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("LOGRCA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOGRCA_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("LOGRCA_LOG_FILE"); v != "" {
		cfg.Logging.File.Path = v
	}
	if v := os.Getenv("LOGRCA_SEARCH_ADDRESSES"); v != "" {
		cfg.Search.Addresses = splitList(v)
	}
	if v := os.Getenv("LOGRCA_SEARCH_USERNAME"); v != "" {
		cfg.Search.Username = v
	}
	if v := os.Getenv("LOGRCA_SEARCH_PASSWORD"); v != "" {
		cfg.Search.Password = v
	}
	if v := os.Getenv("LOGRCA_SEARCH_INDEX"); v != "" {
		cfg.Search.Index = v
	}
	if v := os.Getenv("LOGRCA_SEARCH_MAX_RECORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Search.MaxRecords = n
		}
	}
	if v := os.Getenv("LOGRCA_AI_ENABLED"); v != "" {
		cfg.AI.Enabled = parseBool(v)
	}
	if v := os.Getenv("LOGRCA_AI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("LOGRCA_AI_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}
	if v := os.Getenv("LOGRCA_AI_MODEL"); v != "" {
		cfg.AI.Model = v
	}
	if v := os.Getenv("LOGRCA_AI_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AI.Timeout = d
		}
	}
	if v := os.Getenv("LOGRCA_MAIL_HOST"); v != "" {
		cfg.Mail.Host = v
	}
	if v := os.Getenv("LOGRCA_MAIL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Mail.Port = port
		}
	}
	if v := os.Getenv("LOGRCA_MAIL_USERNAME"); v != "" {
		cfg.Mail.Username = v
	}
	if v := os.Getenv("LOGRCA_MAIL_PASSWORD"); v != "" {
		cfg.Mail.Password = v
	}
	if v := os.Getenv("LOGRCA_MAIL_FROM"); v != "" {
		cfg.Mail.From = v
	}
	if v := os.Getenv("LOGRCA_MAIL_RECIPIENTS"); v != "" {
		cfg.Mail.Recipients = splitList(v)
	}
	if v := os.Getenv("LOGRCA_RULES_PATH"); v != "" {
		cfg.Analysis.RulesPath = v
	}
	if v := os.Getenv("LOGRCA_SOLUTIONS_PATH"); v != "" {
		cfg.Analysis.SolutionsPath = v
	}
	if v := os.Getenv("LOGRCA_RESULTS_DIR"); v != "" {
		cfg.Results.Dir = v
	}
	if v := os.Getenv("LOGRCA_RESULTS_INDEX"); v != "" {
		cfg.Results.Index = v
	}
	if v := os.Getenv("LOGRCA_SCHEDULE_TIME"); v != "" {
		cfg.Schedule.Time = v
	}
	if v := os.Getenv("LOGRCA_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = parseBool(v)
	}
	if v := os.Getenv("LOGRCA_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("LOGRCA_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("LOGRCA_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("LOGRCA_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("LOGRCA_CACHE_TLS"); parseBool(v) {
		cfg.Cache.TLS = true
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
