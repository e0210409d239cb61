package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"collabiq/core/domain"
)

type Config struct {
	Environment string
	DataDir     string
	LogLevel    string
	LogConsole  bool
	HTTPAddr    string // 비어 있으면 ops 서버 비활성

	// Daemon
	CycleInterval time.Duration
	FetchLimit    int
	ShutdownGrace time.Duration

	// Extraction
	Strategy            string
	ExtractionTimeout   time.Duration
	ConsensusThreshold  float64
	AbstentionThreshold float64
	QualityRouting      bool

	// Providers
	Providers []domain.ProviderConfig

	// Matching
	MatchThreshold      float64
	AutoCreateCompanies bool

	// Workspace
	WorkspaceBaseURL   string
	CollaborationsDBID string
	CompaniesDBID      string
	CategoryProperty   string
	MessageIDProperty  string
	WorkspaceRPS       float64
	DuplicateBehavior  string

	// Workspace property name overrides (비면 기본 한국어 속성명)
	PropTitle      string
	PropMessageID  string
	PropSummary    string
	PropDetails    string
	PropPerson     string
	PropCompany    string
	PropPartner    string
	PropCollabType string
	PropIntensity  string
	PropCollabDate string
	PropConfidence string

	// Mail
	MailProvider  string // gmail | maildrop
	MaildropDir   string
	GmailQuery    string
	GmailLookback time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "production"),
		DataDir:     getEnv("COLLABIQ_DATA_DIR", "data"),
		LogLevel:    getEnv("COLLABIQ_LOG_LEVEL", "info"),
		LogConsole:  getEnvBool("COLLABIQ_LOG_CONSOLE", false),
		HTTPAddr:    getEnv("COLLABIQ_HTTP_ADDR", ""),

		// Daemon
		CycleInterval: getEnvDuration("COLLABIQ_CYCLE_INTERVAL", 5*time.Minute),
		FetchLimit:    getEnvInt("COLLABIQ_FETCH_LIMIT", 50),
		ShutdownGrace: getEnvDuration("COLLABIQ_SHUTDOWN_GRACE", 8*time.Second),

		// Extraction
		Strategy:            getEnv("COLLABIQ_STRATEGY", "failover"),
		ExtractionTimeout:   getEnvDuration("COLLABIQ_EXTRACTION_TIMEOUT", 90*time.Second),
		ConsensusThreshold:  getEnvFloat("COLLABIQ_CONSENSUS_THRESHOLD", 0.85),
		AbstentionThreshold: getEnvFloat("COLLABIQ_ABSTENTION_THRESHOLD", 0.25),
		QualityRouting:      getEnvBool("COLLABIQ_QUALITY_ROUTING", false),

		// Providers
		Providers: []domain.ProviderConfig{
			providerBlock("OPENAI", "openai", "gpt-4o-mini", 1, 0.15, 0.60),
			providerBlock("ANTHROPIC", "anthropic", "claude-sonnet-4-20250514", 2, 3.00, 15.00),
			providerBlock("BEDROCK", "bedrock", "anthropic.claude-3-5-sonnet-20240620-v1:0", 3, 3.00, 15.00),
		},

		// Matching
		MatchThreshold:      getEnvFloat("COLLABIQ_MATCH_THRESHOLD", 0.85),
		AutoCreateCompanies: getEnvBool("COLLABIQ_AUTO_CREATE_COMPANIES", true),

		// Workspace
		WorkspaceBaseURL:   getEnv("COLLABIQ_WORKSPACE_BASE_URL", ""),
		CollaborationsDBID: getEnv("COLLABIQ_COLLABORATIONS_DB_ID", ""),
		CompaniesDBID:      getEnv("COLLABIQ_COMPANIES_DB_ID", ""),
		CategoryProperty:   getEnv("COLLABIQ_CATEGORY_PROPERTY", "Category"),
		MessageIDProperty:  getEnv("COLLABIQ_MESSAGE_ID_PROPERTY", "message_id"),
		WorkspaceRPS:       getEnvFloat("COLLABIQ_WORKSPACE_RPS", 3.0),
		DuplicateBehavior:  getEnv("COLLABIQ_DUPLICATE_BEHAVIOR", "skip"),

		PropTitle:      getEnv("COLLABIQ_PROP_TITLE", ""),
		PropMessageID:  getEnv("COLLABIQ_PROP_MESSAGE_ID", ""),
		PropSummary:    getEnv("COLLABIQ_PROP_SUMMARY", ""),
		PropDetails:    getEnv("COLLABIQ_PROP_DETAILS", ""),
		PropPerson:     getEnv("COLLABIQ_PROP_PERSON", ""),
		PropCompany:    getEnv("COLLABIQ_PROP_COMPANY", ""),
		PropPartner:    getEnv("COLLABIQ_PROP_PARTNER", ""),
		PropCollabType: getEnv("COLLABIQ_PROP_COLLAB_TYPE", ""),
		PropIntensity:  getEnv("COLLABIQ_PROP_INTENSITY", ""),
		PropCollabDate: getEnv("COLLABIQ_PROP_COLLAB_DATE", ""),
		PropConfidence: getEnv("COLLABIQ_PROP_CONFIDENCE", ""),

		// Mail
		MailProvider:  getEnv("COLLABIQ_MAIL_PROVIDER", "gmail"),
		MaildropDir:   getEnv("COLLABIQ_MAILDROP_DIR", ""),
		GmailQuery:    getEnv("COLLABIQ_GMAIL_QUERY", ""),
		GmailLookback: getEnvDuration("COLLABIQ_GMAIL_LOOKBACK", 0),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// providerBlock reads one COLLABIQ_{NAME}_* block.
func providerBlock(env, name, defaultModel string, defaultPriority int, inPrice, outPrice float64) domain.ProviderConfig {
	prefix := "COLLABIQ_" + env + "_"
	return domain.ProviderConfig{
		Name:               name,
		ModelID:            getEnv(prefix+"MODEL", defaultModel),
		Enabled:            getEnvBool(prefix+"ENABLED", true),
		Priority:           getEnvInt(prefix+"PRIORITY", defaultPriority),
		TimeoutMS:          int64(getEnvInt(prefix+"TIMEOUT_MS", 60_000)),
		MaxRetries:         getEnvInt(prefix+"MAX_RETRIES", 3),
		InputPricePerMTok:  getEnvFloat(prefix+"INPUT_PRICE_PER_MTOK", inPrice),
		OutputPricePerMTok: getEnvFloat(prefix+"OUTPUT_PRICE_PER_MTOK", outPrice),
	}
}

func (c *Config) validate() error {
	if _, ok := domain.ParseStrategy(c.Strategy); !ok {
		return fmt.Errorf("invalid COLLABIQ_STRATEGY %q: want failover, consensus or best-match", c.Strategy)
	}

	switch c.DuplicateBehavior {
	case string(domain.DuplicateSkip), string(domain.DuplicateUpdate):
	default:
		return fmt.Errorf("invalid COLLABIQ_DUPLICATE_BEHAVIOR %q: want skip or update", c.DuplicateBehavior)
	}

	switch c.MailProvider {
	case "gmail", "maildrop":
	default:
		return fmt.Errorf("invalid COLLABIQ_MAIL_PROVIDER %q: want gmail or maildrop", c.MailProvider)
	}

	enabled := 0
	seen := make(map[int]string)
	for _, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		enabled++
		if prev, dup := seen[p.Priority]; dup {
			return fmt.Errorf("providers %s and %s share priority %d", prev, p.Name, p.Priority)
		}
		seen[p.Priority] = p.Name
	}
	if enabled == 0 {
		return fmt.Errorf("no LLM provider enabled: set COLLABIQ_OPENAI_ENABLED or a sibling")
	}
	return nil
}

// ValidateWorkspace checks the settings only pipeline runs need. The
// read-only commands (status, dlq list) work without them.
func (c *Config) ValidateWorkspace() error {
	if c.CollaborationsDBID == "" || c.CompaniesDBID == "" {
		return fmt.Errorf("workspace database ids missing: set COLLABIQ_COLLABORATIONS_DB_ID and COLLABIQ_COMPANIES_DB_ID")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// 단위 없는 값은 초로 읽는다
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

// Persisted layout under DataDir. Every store derives its root from these
// so the CLI and the daemon agree on paths.

func (c *Config) StateDir() string   { return filepath.Join(c.DataDir, "state") }
func (c *Config) DLQDir() string     { return filepath.Join(c.DataDir, "dlq") }
func (c *Config) HealthDir() string  { return filepath.Join(c.DataDir, "health") }
func (c *Config) CacheDir() string   { return filepath.Join(c.DataDir, "cache") }
func (c *Config) LogsDir() string    { return filepath.Join(c.DataDir, "logs") }
func (c *Config) SecretsDir() string { return filepath.Join(c.DataDir, "secrets") }

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
