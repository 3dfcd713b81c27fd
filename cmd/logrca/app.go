package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/miradorstack/mirador-logrca/internal/cache"
	"github.com/miradorstack/mirador-logrca/internal/classifier"
	"github.com/miradorstack/mirador-logrca/internal/config"
	"github.com/miradorstack/mirador-logrca/internal/dispatch"
	"github.com/miradorstack/mirador-logrca/internal/engine"
	"github.com/miradorstack/mirador-logrca/internal/metrics"
	"github.com/miradorstack/mirador-logrca/internal/normalizer"
	"github.com/miradorstack/mirador-logrca/internal/patterns"
	"github.com/miradorstack/mirador-logrca/internal/repo"
	"github.com/miradorstack/mirador-logrca/internal/retry"
	"github.com/miradorstack/mirador-logrca/internal/services"
)

// application holds the wired collaborators of one process.
type application struct {
	cfg     *config.Config
	logger  *slog.Logger
	runs    *services.RunService
	results *repo.FileResultStore
	closers []io.Closer
}

func newApplication(cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{cfg: cfg, logger: logger}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	var (
		provider cache.Provider = cache.NewMemoryProvider()
		lock     cache.Provider
		probes   []services.Probe
	)
	app.closers = append(app.closers, provider)
	if cfg.Cache.Enabled {
		valkey, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable, using in-process cache", slog.Any("error", err))
			probes = append(probes, services.Probe{Name: "cache", Pinger: failedPinger{err: err}})
		} else {
			provider, lock = valkey, valkey
			app.closers = append(app.closers, valkey)
			probes = append(probes, services.Probe{Name: "cache", Pinger: valkey})
		}
	} else {
		probes = append(probes, services.Probe{Name: "cache"})
	}

	var (
		sdk    *opensearch.Client
		search engine.SearchClient
	)
	if cfg.SearchConfigured() {
		searchCfg := repo.OpenSearchConfig{
			Addresses:          cfg.Search.Addresses,
			Username:           cfg.Search.Username,
			Password:           cfg.Search.Password,
			Index:              cfg.Search.Index,
			InsecureSkipVerify: cfg.Search.InsecureSkipVerify,
			Timeout:            cfg.Search.Timeout,
			PageSize:           cfg.Search.PageSize,
			DefaultSeverities:  cfg.Search.DefaultSeverities,
			Fields:             fieldMappings(cfg.Search.Fields),
		}
		var err error
		sdk, err = repo.NewOpenSearchSDK(searchCfg)
		if err != nil {
			return nil, err
		}
		client := repo.NewOpenSearchClient(logger, sdk, searchCfg)
		search = client
		probes = append(probes, services.Probe{Name: "search", Pinger: client})
	} else {
		logger.Warn("search backend not configured, runs will fail at fetch")
		probes = append(probes, services.Probe{Name: "search"})
	}

	var completer engine.Completer
	if cfg.AIConfigured() {
		openAI, err := repo.NewOpenAICompleter(logger, repo.OpenAIConfig{
			BaseURL:           cfg.AI.BaseURL,
			APIKey:            cfg.AI.APIKey,
			Model:             cfg.AI.Model,
			Temperature:       cfg.AI.Temperature,
			MaxTokens:         cfg.AI.MaxTokens,
			RequestsPerSecond: cfg.AI.RequestsPerSecond,
			Burst:             cfg.AI.Burst,
		})
		if err != nil {
			return nil, err
		}
		cached := repo.NewCachedCompleter(logger, openAI, provider, openAI.Model(), cfg.Cache.CompletionTTL)
		completer = cached
		probes = append(probes, services.Probe{Name: "ai", Pinger: cached})
	} else {
		probes = append(probes, services.Probe{Name: "ai"})
	}

	formatter := dispatch.NewFormatter(cfg.Mail.MaxGroups)
	var dispatcher engine.ReportDispatcher
	if cfg.MailConfigured() {
		mailer, err := repo.NewSMTPMailer(logger, repo.SMTPConfig{
			Host:      cfg.Mail.Host,
			Port:      cfg.Mail.Port,
			Username:  cfg.Mail.Username,
			Password:  cfg.Mail.Password,
			From:      cfg.Mail.From,
			TLSPolicy: cfg.Mail.TLSPolicy,
			Timeout:   cfg.Mail.AttemptTimeout,
		})
		if err != nil {
			return nil, err
		}
		dispatcher = dispatch.NewDispatcher(logger, mailer, cfg.Mail.Recipients, retryPolicy(cfg.Mail.Retry), cfg.Mail.AttemptTimeout)
		probes = append(probes, services.Probe{Name: "mail", Pinger: mailer})
	} else {
		logger.Warn("mail delivery not configured, reports will be deferred")
		probes = append(probes, services.Probe{Name: "mail"})
	}

	rules, err := classifier.LoadRules(cfg.Analysis.RulesPath)
	if err != nil {
		return nil, err
	}
	grouper, err := classifier.New(rules, logger)
	if err != nil {
		return nil, err
	}
	solutions, err := engine.NewSolutionRules(cfg.Analysis.SolutionsPath, logger)
	if err != nil {
		return nil, err
	}

	patternStore := patterns.LogStore(logger)
	if sdk != nil && cfg.Results.PatternIndex != "" {
		patternStore = repo.NewOpenSearchPatternStore(sdk, cfg.Results.PatternIndex)
	}

	files, err := repo.NewFileResultStore(cfg.Results.Dir)
	if err != nil {
		return nil, err
	}
	app.results = files
	stores := []repo.ResultStore{files}
	if sdk != nil && cfg.Results.Index != "" {
		stores = append(stores, repo.NewOpenSearchResultStore(sdk, cfg.Results.Index))
	}
	store := repo.NewMultiStore(logger, stores...)

	a := cfg.Analysis
	pipeline, err := engine.NewPipeline(engine.PipelineDeps{
		Logger:     logger,
		Source:     engine.NewFetcher(logger, search, retryPolicy(cfg.Search.Retry), cfg.Search.MaxRecords),
		Normalizer: normalizer.New(fieldMappings(cfg.Search.Fields)),
		Grouper:    grouper,
		Patterns: patterns.NewDetector(logger, patterns.Options{
			MinOccurrences:        a.PatternMinOccurrences,
			MinDistinctTimestamps: a.PatternMinTimestamps,
			CascadeServices:       a.CascadeServices,
		}, patternStore),
		Correlator: engine.NewCorrelator(logger, engine.CorrelatorOptions{
			Slack:          a.CorrelationSlack,
			SizeWeight:     a.SizeWeight,
			SeverityWeight: a.SeverityWeight,
			RecencyWeight:  a.RecencyWeight,
			SizeSaturation: a.SizeSaturation,
			HeuristicFloor: a.HeuristicFloor,
			AIWeight:       a.AIWeight,
			AITimeout:      cfg.AI.Timeout,
			AIConcurrency:  cfg.AI.Concurrency,
			MaxCandidates:  a.MaxCandidates,
		}, engine.NewStaticTopology(a.Dependencies), completer),
		Synthesizer: engine.NewSynthesizer(logger, solutions, completer, engine.SynthesizerOptions{
			AITimeout:     cfg.AI.Timeout,
			AIConcurrency: cfg.AI.Concurrency,
			MaxSolutions:  a.MaxSolutions,
		}),
		Formatter:  formatter,
		Dispatcher: dispatcher,
		Store:      store,
	})
	if err != nil {
		return nil, err
	}

	app.runs = services.NewRunService(logger, pipeline, services.RunServiceOptions{
		Store:      store,
		Formatter:  formatter,
		Dispatcher: dispatcher,
		Lock:       lock,
		LockTTL:    cfg.Cache.LockTTL,
		Probes:     probes,
	})
	return app, nil
}

// Close releases cache connections; errors are joined.
func (a *application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func fieldMappings(f config.FieldMappings) normalizer.FieldMappings {
	return normalizer.FieldMappings{
		Timestamp:       f.Timestamp,
		Message:         f.Message,
		FallbackMessage: f.FallbackMessage,
		Severity:        f.Severity,
		Service:         f.Service,
		Environment:     f.Environment,
	}
}

func retryPolicy(r config.RetryConfig) retry.Policy {
	return retry.Policy{Attempts: r.Attempts, Base: r.Base, Max: r.Max}
}

// failedPinger reports a collaborator that could not be constructed.
type failedPinger struct{ err error }

func (f failedPinger) Ping(context.Context) error { return f.err }
