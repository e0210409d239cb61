// Package bootstrap wires the full dependency graph: file stores, secret
// store, provider adapters, pipeline services and the daemon controller.
// Construction order follows the data flow; cleanup runs in reverse.
package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"collabiq/adapter/out/mail"
	"collabiq/adapter/out/provider"
	"collabiq/adapter/out/secrets"
	"collabiq/adapter/out/storage"
	"collabiq/adapter/out/workspace"
	"collabiq/config"
	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/core/service/classify"
	"collabiq/core/service/daemon"
	"collabiq/core/service/dlq"
	"collabiq/core/service/extract"
	"collabiq/core/service/health"
	"collabiq/core/service/mapping"
	"collabiq/core/service/match"
	workspaceservice "collabiq/core/service/workspace"
	"collabiq/core/service/write"
	"collabiq/pkg/logger"
	"collabiq/pkg/resilience"
)

// SecretWorkspaceToken is the secret key holding the workspace API token.
const SecretWorkspaceToken = "WORKSPACE_TOKEN"

type Dependencies struct {
	Config *config.Config
	Log    zerolog.Logger

	// Stores
	StateStore   *storage.StateStore
	DLQStore     *storage.DLQStore
	MetricsStore *storage.MetricsStore
	CacheStore   *storage.CacheStore
	Secrets      *secrets.EnvSecretStore

	// Resilience & health
	Breakers *resilience.Registry
	Tracker  *health.Tracker

	// Outbound adapters
	Mail      out.MailProvider
	Workspace out.WorkspaceStore
	Providers []out.LLMProvider

	// Services
	Orchestrator *extract.Orchestrator
	Reader       *workspaceservice.Reader
	Companies    *match.CompanyMatcher
	People       *match.PersonMatcher
	Classifier   *classify.Classifier
	Summarizer   *classify.Summarizer
	Mapper       *mapping.Mapper
	Writer       *write.Writer
	Controller   *daemon.Controller
	Replayer     *dlq.Replayer
}

func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, err
	}

	// Logger (파일 출력은 data/logs 아래)
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	log, logCleanup, err := logger.New(logger.Options{
		Dir:     cfg.LogsDir(),
		Level:   level,
		Console: cfg.LogConsole || cfg.IsDevelopment(),
	})
	if err != nil {
		return nil, nil, err
	}
	deps.Log = log
	cleanups = append(cleanups, func() { _ = logCleanup() })

	// File stores
	deps.StateStore = storage.NewStateStore(cfg.StateDir())
	deps.DLQStore = storage.NewDLQStore(cfg.DLQDir())
	deps.MetricsStore = storage.NewMetricsStore(cfg.HealthDir())
	deps.CacheStore = storage.NewCacheStore(cfg.CacheDir())

	// Secrets (env 우선, .env 폴백)
	deps.Secrets = secrets.NewEnvSecretStore(".env", logger.Component(log, "secrets"))

	// Breakers & health tracker
	deps.Breakers = resilience.NewRegistry(logger.Component(log, "circuit_breaker"))
	tracker, err := health.NewTracker(ctx, deps.MetricsStore, deps.Breakers, logger.Component(log, "health_tracker"))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Tracker = tracker
	// 종료 시 비용/품질 누계를 남긴다
	cleanups = append(cleanups, func() { tracker.Persist(context.Background()) })

	// LLM provider adapters
	providers, err := provider.Build(ctx, cfg.Providers, deps.Secrets, logger.Component(log, "provider_factory"))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Providers = providers

	strategy, _ := domain.ParseStrategy(cfg.Strategy)
	deps.Orchestrator = extract.NewOrchestrator(extract.Config{
		Strategy:            strategy,
		Timeout:             cfg.ExtractionTimeout,
		FuzzyThreshold:      cfg.ConsensusThreshold,
		AbstentionThreshold: cfg.AbstentionThreshold,
		QualityRouting:      cfg.QualityRouting,
	}, providers, cfg.Providers, tracker, deps.Breakers, logger.Component(log, "orchestrator"))

	// Workspace adapter
	if err := cfg.ValidateWorkspace(); err != nil {
		cleanup()
		return nil, nil, err
	}
	token, err := deps.Secrets.Get(ctx, SecretWorkspaceToken)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Workspace = workspace.NewAdapter(workspace.Config{
		BaseURL:            cfg.WorkspaceBaseURL,
		Token:              token,
		CollaborationsDBID: cfg.CollaborationsDBID,
		CompaniesDBID:      cfg.CompaniesDBID,
		CategoryProperty:   cfg.CategoryProperty,
		MessageIDProperty:  cfg.MessageIDProperty,
		RequestsPerSecond:  cfg.WorkspaceRPS,
	}, nil)

	// Pipeline services
	deps.Reader = workspaceservice.NewReader(deps.Workspace, deps.CacheStore, logger.Component(log, "workspace_reader"))
	deps.Companies = match.NewCompanyMatcher(deps.Reader, cfg.MatchThreshold, logger.Component(log, "company_matcher"))
	deps.People = match.NewPersonMatcher(deps.Reader, cfg.MatchThreshold, logger.Component(log, "person_matcher"))
	deps.Classifier = classify.NewClassifier(deps.Reader, deps.Orchestrator, logger.Component(log, "classifier"))
	deps.Summarizer = classify.NewSummarizer(deps.Orchestrator, logger.Component(log, "summarizer"))
	deps.Mapper = mapping.NewMapper(mapping.PropertyNames{
		Title:      cfg.PropTitle,
		MessageID:  cfg.PropMessageID,
		Summary:    cfg.PropSummary,
		Details:    cfg.PropDetails,
		Person:     cfg.PropPerson,
		Company:    cfg.PropCompany,
		Partner:    cfg.PropPartner,
		CollabType: cfg.PropCollabType,
		Intensity:  cfg.PropIntensity,
		CollabDate: cfg.PropCollabDate,
		Confidence: cfg.PropConfidence,
	})
	deps.Writer = write.NewWriter(deps.Workspace, deps.DLQStore, deps.Mapper, deps.Breakers,
		domain.DuplicateBehavior(cfg.DuplicateBehavior), logger.Component(log, "writer"))

	// Mail provider
	switch cfg.MailProvider {
	case "maildrop":
		dir := cfg.MaildropDir
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "maildrop")
		}
		deps.Mail = mail.NewMaildropAdapter(dir, logger.Component(log, "maildrop"))
	default:
		gmailAdapter, err := mail.NewGmailAdapter(ctx, mail.GmailConfig{
			TokenPath: filepath.Join(cfg.SecretsDir(), "gmail_token.json"),
			Query:     cfg.GmailQuery,
			Lookback:  cfg.GmailLookback,
		}, deps.Secrets, logger.Component(log, "gmail"))
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		deps.Mail = gmailAdapter
	}

	deps.Controller = daemon.NewController(daemon.Config{
		CycleInterval:       cfg.CycleInterval,
		FetchLimit:          cfg.FetchLimit,
		Strategy:            strategy,
		AutoCreateCompanies: cfg.AutoCreateCompanies,
		ShutdownGrace:       cfg.ShutdownGrace,
	}, daemon.Deps{
		Mail:         deps.Mail,
		Orchestrator: deps.Orchestrator,
		Companies:    deps.Companies,
		People:       deps.People,
		Classifier:   deps.Classifier,
		Summarizer:   deps.Summarizer,
		Writer:       deps.Writer,
		DLQ:          deps.DLQStore,
		State:        deps.StateStore,
		Tracker:      deps.Tracker,
	}, logger.Component(log, "daemon"))

	// secret_fetch 재생은 키가 다시 풀리는지만 검사한다
	probe := func(ctx context.Context, key string) error {
		deps.Secrets.Invalidate(key)
		_, err := deps.Secrets.Get(ctx, key)
		return err
	}
	deps.Replayer = dlq.NewReplayer(deps.DLQStore, deps.Workspace, deps.Breakers,
		deps.Controller, probe, logger.Component(log, "dlq_replayer"))

	return deps, cleanup, nil
}

// HealthCheck verifies the data directory is still writable. Every store
// in the system is file-backed, so this is the one dependency that can
// silently rot under a running daemon.
func (d *Dependencies) HealthCheck(ctx context.Context) error {
	probe := filepath.Join(d.Config.DataDir, ".health_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}
