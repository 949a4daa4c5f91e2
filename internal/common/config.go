package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production" - controls staging URL validation
	Storage     StorageConfig     `toml:"storage"`
	Bib         BibConfig         `toml:"bib"`
	Translation TranslationConfig `toml:"translation"`
	WebSearch   WebSearchConfig   `toml:"websearch"`
	Embedding   EmbeddingConfig   `toml:"embedding"`
	Claude      ClaudeConfig      `toml:"claude"`
	DeepSeek    DeepSeekConfig    `toml:"deepseek"`
	LLM         LLMConfig         `toml:"llm"`
	Pipeline    PipelineConfig    `toml:"pipeline"`
	Review      ReviewConfig      `toml:"review"`
	Fetch       FetchConfig       `toml:"fetch"`
	Export      ExportConfig      `toml:"export"`
	Logging     LoggingConfig     `toml:"logging"`
	Workflow    WorkflowConfig    `toml:"workflow"`
}

type StorageConfig struct {
	Elastic ElasticConfig `toml:"elastic"`
	Chroma  ChromaConfig  `toml:"chroma"`
	Badger  BadgerConfig  `toml:"badger"`
}

// ElasticConfig holds the two Elasticsearch hosts the store partitions over.
// CoherenceHost carries the working-set indices, ForgottenHost carries
// history and archived records.
type ElasticConfig struct {
	CoherenceHost  string `toml:"coherence_host"`  // Primary host for L0/L1/L2 and coherence indices
	ForgottenHost  string `toml:"forgotten_host"`  // Secondary host for history and forgotten indices
	RequestTimeout string `toml:"request_timeout"` // HTTP request timeout as duration string (default: "30s")
}

// ChromaConfig represents the vector index connection
type ChromaConfig struct {
	Host       string `toml:"host"`       // Chroma server host (default: "localhost")
	Port       int    `toml:"port"`       // Chroma server port (default: 8000)
	Collection string `toml:"collection"` // Collection name (default: "knowledge")
	Tenant     string `toml:"tenant"`     // Tenant name (default: "default_tenant")
	Database   string `toml:"database"`   // Database name (default: "default_database")
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// BibConfig represents the local bibliography server connection
type BibConfig struct {
	Host           string `toml:"host"`            // Bibliography server host (default: "localhost")
	Port           int    `toml:"port"`            // Bibliography server port (default: 23119)
	RequestTimeout string `toml:"request_timeout"` // HTTP request timeout as duration string (default: "30s")
}

// TranslationConfig represents the local translation server connection
type TranslationConfig struct {
	Host           string `toml:"host"`            // Translation server host (default: "localhost")
	Port           int    `toml:"port"`            // Translation server port (default: 1969)
	TargetLang     string `toml:"target_lang"`     // Target language ISO 639-1 code (default: "en")
	RequestDelay   string `toml:"request_delay"`   // Delay between requests as duration string (default: "300ms")
	RequestTimeout string `toml:"request_timeout"` // HTTP request timeout as duration string (default: "60s")
}

// WebSearchConfig contains web search provider configuration
type WebSearchConfig struct {
	APIKey         string `toml:"api_key"`         // Perplexity API key (PERPLEXITY_API_KEY)
	BaseURL        string `toml:"base_url"`        // API base URL (default: "https://api.perplexity.ai")
	Model          string `toml:"model"`           // Search model (default: "sonar")
	RequestTimeout string `toml:"request_timeout"` // HTTP request timeout as duration string (default: "60s")
}

// EmbeddingConfig contains embedding engine configuration
type EmbeddingConfig struct {
	Provider   string `toml:"provider"`    // "openai", "ollama", or "gemini" (default: "openai")
	Model      string `toml:"model"`       // Embedding model name (default: "text-embedding-3-small")
	Dimension  int    `toml:"dimension"`   // Expected vector dimension (default: 1536)
	APIKey     string `toml:"api_key"`     // API key for cloud providers (OPENAI_API_KEY / GEMINI_API_KEY)
	OllamaHost string `toml:"ollama_host"` // Ollama server URL (default: "http://localhost:11434")
	BatchSize  int    `toml:"batch_size"`  // Max texts per embedding request (default: 64)
}

// ClaudeConfig contains Anthropic Claude API configuration
type ClaudeConfig struct {
	APIKey            string  `toml:"api_key"`             // Anthropic API key (ANTHROPIC_API_KEY or config)
	HaikuModel        string  `toml:"haiku_model"`         // Model for the fast tier (default: "claude-3-5-haiku-20241022")
	SonnetModel       string  `toml:"sonnet_model"`        // Model for the balanced tier (default: "claude-sonnet-4-20250514")
	OpusModel         string  `toml:"opus_model"`          // Model for the deep-reasoning tier (default: "claude-opus-4-1-20250805")
	MaxTokens         int     `toml:"max_tokens"`          // Maximum tokens in response (default: 8192)
	Timeout           string  `toml:"timeout"`             // Operation timeout as duration string (default: "5m")
	RateLimit         string  `toml:"rate_limit"`          // Rate limit duration string (default: "1s")
	Temperature       float32 `toml:"temperature"`         // Completion temperature (default: 0.7)
	BatchPollInterval string  `toml:"batch_poll_interval"` // Batch status poll interval as duration string (default: "30s")
	BatchTimeout      string  `toml:"batch_timeout"`       // Max wall time to wait for a batch as duration string (default: "24h")
}

// DeepSeekConfig contains DeepSeek API configuration (OpenAI-compatible endpoint)
type DeepSeekConfig struct {
	APIKey    string `toml:"api_key"`    // DeepSeek API key (DEEPSEEK_API_KEY)
	BaseURL   string `toml:"base_url"`   // API base URL (default: "https://api.deepseek.com")
	Model     string `toml:"model"`      // Model name (default: "deepseek-chat")
	MaxTokens int    `toml:"max_tokens"` // Maximum tokens in response (default: 8192)
	Timeout   string `toml:"timeout"`    // Operation timeout as duration string (default: "5m")
}

// LLMConfig contains cross-provider gateway behavior
type LLMConfig struct {
	DefaultTier      string `toml:"default_tier"`       // Tier used when callers do not specify one (default: "sonnet")
	MaxRetries       int    `toml:"max_retries"`        // Retries after a failed call before surfacing the error (default: 2)
	BatchThreshold   int    `toml:"batch_threshold"`    // Prompt count at which grouped calls use the provider batch API (default: 5)
	AgentCallBudget  int    `toml:"agent_call_budget"`  // Base tool-call budget for agent loops (default: 10)
	AgentBudgetChars int    `toml:"agent_budget_chars"` // Corpus chars granting one extra budget unit (default: 100000)
}

// PipelineConfig contains document processing thresholds and fan-out bounds
type PipelineConfig struct {
	IngestConcurrency     int `toml:"ingest_concurrency"`      // Concurrent documents in the ingest graph (default: 5)
	ChapterConcurrency    int `toml:"chapter_concurrency"`     // Concurrent chapter summaries per document (default: 4)
	SummaryConcurrency    int `toml:"summary_concurrency"`     // Concurrent standalone summary requests (default: 3)
	ChapterSplitThreshold int `toml:"chapter_split_threshold"` // Chars above which a chapter is windowed (default: 600000)
	ChapterWindowSize     int `toml:"chapter_window_size"`     // Window size in chars for oversized chapters (default: 500000)
	ChapterWindowOverlap  int `toml:"chapter_window_overlap"`  // Overlap in chars between windows (default: 2000)
	TenthSummaryWords     int `toml:"tenth_summary_words"`     // Word count above which a 1/10th summary is produced (default: 2000)
	LongDocThreshold      int `toml:"long_doc_threshold"`      // L0 chars above which full summaries are deferred (default: 150000)
	MandatorySummaryWords int `toml:"mandatory_summary_words"` // Word count above which an L2 summary is mandatory (default: 3000)
}

// ReviewConfig contains review loop thresholds and fan-out bounds
type ReviewConfig struct {
	CoherenceThreshold    float64 `toml:"coherence_threshold"`     // Minimum coherence before advancing past the logic loop (default: 0.8)
	HolisticThreshold     float64 `toml:"holistic_threshold"`      // Minimum holistic score to finish the expansion loop (default: 0.7)
	MaxIterations         int     `toml:"max_iterations"`          // Expansion loop iteration cap, minimum 2 (default: 3)
	SectionConcurrency    int     `toml:"section_concurrency"`     // Concurrent section expansions (default: 5)
	CitationConcurrency   int     `toml:"citation_concurrency"`    // Concurrent citation verifications (default: 3)
	BibVerifyConcurrency  int     `toml:"bib_verify_concurrency"`  // Concurrent bibliography lookups (default: 10)
	AbstractMinWords      int     `toml:"abstract_min_words"`      // Lower bound for abstract length (default: 200)
	AbstractMaxWords      int     `toml:"abstract_max_words"`      // Upper bound for abstract length (default: 300)
	IntroToleranceRatio   float64 `toml:"intro_tolerance_ratio"`   // Allowed deviation from target for intro/conclusion (default: 0.25)
	ContentToleranceRatio float64 `toml:"content_tolerance_ratio"` // Allowed deviation from target for content sections (default: 0.40)
}

// FetchConfig contains document fetching configuration
type FetchConfig struct {
	StagingURL         string `toml:"staging_url"`          // Converter service base URL, empty disables the remote converter
	StagingDir         string `toml:"staging_dir"`          // Local directory for resolved documents (default: "./staging")
	UserAgent          string `toml:"user_agent"`           // User agent for direct HTTP fetches
	RequestTimeout     string `toml:"request_timeout"`      // HTTP request timeout as duration string (default: "60s")
	MaxBodySize        int    `toml:"max_body_size"`        // Maximum response body size in bytes (default: 50MB)
	EnableJavaScript   bool   `toml:"enable_javascript"`    // Render JavaScript pages with headless Chrome (default: false)
	JavaScriptWaitTime string `toml:"javascript_wait_time"` // Render wait as duration string (default: "3s")
}

// ExportConfig contains review export configuration
type ExportConfig struct {
	Dir string `toml:"dir"` // Directory for exported reviews (default: "./exports")
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// WorkflowConfig controls run bookkeeping
type WorkflowConfig struct {
	Mode    string `toml:"mode"`     // "dev" dumps intermediate state between stages, "prod" does not (default: "dev")
	DumpDir string `toml:"dump_dir"` // Directory for workflow state dumps (default: "logs/workflows")
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in thala.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development", // Default to development mode - allows localhost staging URLs
		Storage: StorageConfig{
			Elastic: ElasticConfig{
				CoherenceHost:  "http://localhost:9200",
				ForgottenHost:  "http://localhost:9201",
				RequestTimeout: "30s",
			},
			Chroma: ChromaConfig{
				Host:       "localhost",
				Port:       8000,
				Collection: "knowledge",
				Tenant:     "default_tenant",
				Database:   "default_database",
			},
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Bib: BibConfig{
			Host:           "localhost",
			Port:           23119, // Zotero local API port
			RequestTimeout: "30s",
		},
		Translation: TranslationConfig{
			Host:           "localhost",
			Port:           1969, // Zotero translation-server port
			TargetLang:     "en",
			RequestDelay:   "300ms", // Local server chokes on back-to-back requests
			RequestTimeout: "60s",
		},
		WebSearch: WebSearchConfig{
			APIKey:         "", // User must provide API key (PERPLEXITY_API_KEY or config)
			BaseURL:        "https://api.perplexity.ai",
			Model:          "sonar",
			RequestTimeout: "60s",
		},
		Embedding: EmbeddingConfig{
			Provider:   "openai",
			Model:      "text-embedding-3-small",
			Dimension:  1536,
			APIKey:     "", // User must provide API key (OPENAI_API_KEY or config)
			OllamaHost: "http://localhost:11434",
			BatchSize:  64,
		},
		Claude: ClaudeConfig{
			APIKey:            "", // User must provide API key (ANTHROPIC_API_KEY or config)
			HaikuModel:        "claude-3-5-haiku-20241022",
			SonnetModel:       "claude-sonnet-4-20250514",
			OpusModel:         "claude-opus-4-1-20250805",
			MaxTokens:         8192,
			Timeout:           "5m",
			RateLimit:         "1s",
			Temperature:       0.7,
			BatchPollInterval: "30s",
			BatchTimeout:      "24h",
		},
		DeepSeek: DeepSeekConfig{
			APIKey:    "", // User must provide API key (DEEPSEEK_API_KEY or config)
			BaseURL:   "https://api.deepseek.com",
			Model:     "deepseek-chat",
			MaxTokens: 8192,
			Timeout:   "5m",
		},
		LLM: LLMConfig{
			DefaultTier:      "sonnet",
			MaxRetries:       2,
			BatchThreshold:   5,
			AgentCallBudget:  10,
			AgentBudgetChars: 100000,
		},
		Pipeline: PipelineConfig{
			IngestConcurrency:     5,
			ChapterConcurrency:    4,
			SummaryConcurrency:    3,
			ChapterSplitThreshold: 600000,
			ChapterWindowSize:     500000,
			ChapterWindowOverlap:  2000,
			TenthSummaryWords:     2000,
			LongDocThreshold:      150000,
			MandatorySummaryWords: 3000,
		},
		Review: ReviewConfig{
			CoherenceThreshold:    0.8,
			HolisticThreshold:     0.7,
			MaxIterations:         3,
			SectionConcurrency:    5,
			CitationConcurrency:   3,
			BibVerifyConcurrency:  10,
			AbstractMinWords:      200,
			AbstractMaxWords:      300,
			IntroToleranceRatio:   0.25,
			ContentToleranceRatio: 0.40,
		},
		Fetch: FetchConfig{
			StagingURL:         "http://localhost:8090",
			StagingDir:         "./staging",
			UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			RequestTimeout:     "60s",
			MaxBodySize:        50 * 1024 * 1024, // 50MB
			EnableJavaScript:   false,            // Headless Chrome is opt-in
			JavaScriptWaitTime: "3s",
		},
		Export: ExportConfig{
			Dir: "./exports",
		},
		Logging: LoggingConfig{
			Level:      "info",                     // Info level for production (debug|info|warn|error)
			Format:     "text",                     // Human-readable text format (text|json)
			Output:     []string{"stdout", "file"}, // Log to both console and file
			TimeFormat: "15:04:05.000",
		},
		Workflow: WorkflowConfig{
			Mode:    "dev",
			DumpDir: "logs/workflows",
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
// Priority system: CLI flags > Environment variables > Config file > Defaults
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env -> CLI
// Later files override earlier files.
// Example: LoadFromFiles("base.toml", "override.toml") - override.toml settings take precedence over base.toml
func LoadFromFiles(paths ...string) (*Config, error) {
	// Start with defaults
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier files)
	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// Apply environment variables (overrides all file configs)
	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: THALA_ENV, fallback: GO_ENV)
	if env := os.Getenv("THALA_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Elasticsearch configuration
	if host := os.Getenv("THALA_ES_COHERENCE_HOST"); host != "" {
		config.Storage.Elastic.CoherenceHost = host
	}
	if host := os.Getenv("THALA_ES_FORGOTTEN_HOST"); host != "" {
		config.Storage.Elastic.ForgottenHost = host
	}

	// Chroma configuration
	if host := os.Getenv("THALA_CHROMA_HOST"); host != "" {
		config.Storage.Chroma.Host = host
	}
	if port := os.Getenv("THALA_CHROMA_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Storage.Chroma.Port = p
		}
	}
	if collection := os.Getenv("THALA_CHROMA_COLLECTION"); collection != "" {
		config.Storage.Chroma.Collection = collection
	}

	// Badger configuration
	if badgerPath := os.Getenv("THALA_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Bibliography server configuration
	if host := os.Getenv("THALA_BIB_HOST"); host != "" {
		config.Bib.Host = host
	}
	if port := os.Getenv("THALA_BIB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Bib.Port = p
		}
	}

	// Translation server configuration
	if host := os.Getenv("THALA_TRANSLATION_HOST"); host != "" {
		config.Translation.Host = host
	}
	if port := os.Getenv("THALA_TRANSLATION_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Translation.Port = p
		}
	}
	if lang := os.Getenv("THALA_TRANSLATION_TARGET_LANG"); lang != "" {
		config.Translation.TargetLang = lang
	}

	// Web search configuration
	if apiKey := os.Getenv("PERPLEXITY_API_KEY"); apiKey != "" {
		config.WebSearch.APIKey = apiKey
	}
	if model := os.Getenv("THALA_WEBSEARCH_MODEL"); model != "" {
		config.WebSearch.Model = model
	}

	// Embedding configuration
	if provider := os.Getenv("THALA_EMBEDDING_PROVIDER"); provider != "" {
		config.Embedding.Provider = provider
	}
	if model := os.Getenv("THALA_EMBEDDING_MODEL"); model != "" {
		config.Embedding.Model = model
	}
	if dimension := os.Getenv("THALA_EMBEDDING_DIMENSION"); dimension != "" {
		if d, err := strconv.Atoi(dimension); err == nil {
			config.Embedding.Dimension = d
		}
	}
	if host := os.Getenv("THALA_OLLAMA_HOST"); host != "" {
		config.Embedding.OllamaHost = host
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && config.Embedding.Provider == "openai" {
		config.Embedding.APIKey = apiKey
	}
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" && config.Embedding.Provider == "gemini" {
		config.Embedding.APIKey = apiKey
	}

	// Claude configuration
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey
	}
	if apiKey := os.Getenv("THALA_CLAUDE_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey // THALA_ prefix takes priority
	}
	if model := os.Getenv("THALA_CLAUDE_HAIKU_MODEL"); model != "" {
		config.Claude.HaikuModel = model
	}
	if model := os.Getenv("THALA_CLAUDE_SONNET_MODEL"); model != "" {
		config.Claude.SonnetModel = model
	}
	if model := os.Getenv("THALA_CLAUDE_OPUS_MODEL"); model != "" {
		config.Claude.OpusModel = model
	}
	if maxTokens := os.Getenv("THALA_CLAUDE_MAX_TOKENS"); maxTokens != "" {
		if mt, err := strconv.Atoi(maxTokens); err == nil {
			config.Claude.MaxTokens = mt
		}
	}
	if timeout := os.Getenv("THALA_CLAUDE_TIMEOUT"); timeout != "" {
		config.Claude.Timeout = timeout
	}
	if rateLimit := os.Getenv("THALA_CLAUDE_RATE_LIMIT"); rateLimit != "" {
		config.Claude.RateLimit = rateLimit
	}
	if temperature := os.Getenv("THALA_CLAUDE_TEMPERATURE"); temperature != "" {
		if t, err := strconv.ParseFloat(temperature, 32); err == nil {
			config.Claude.Temperature = float32(t)
		}
	}

	// DeepSeek configuration
	if apiKey := os.Getenv("DEEPSEEK_API_KEY"); apiKey != "" {
		config.DeepSeek.APIKey = apiKey
	}
	if baseURL := os.Getenv("THALA_DEEPSEEK_BASE_URL"); baseURL != "" {
		config.DeepSeek.BaseURL = baseURL
	}
	if model := os.Getenv("THALA_DEEPSEEK_MODEL"); model != "" {
		config.DeepSeek.Model = model
	}

	// Gateway configuration
	if tier := os.Getenv("THALA_LLM_DEFAULT_TIER"); tier != "" {
		config.LLM.DefaultTier = tier
	}
	if retries := os.Getenv("THALA_LLM_MAX_RETRIES"); retries != "" {
		if r, err := strconv.Atoi(retries); err == nil {
			config.LLM.MaxRetries = r
		}
	}

	// Fetch configuration
	if stagingURL := os.Getenv("THALA_STAGING_URL"); stagingURL != "" {
		config.Fetch.StagingURL = stagingURL
	}
	if userAgent := os.Getenv("THALA_FETCH_USER_AGENT"); userAgent != "" {
		config.Fetch.UserAgent = userAgent
	}
	if enableJS := os.Getenv("THALA_FETCH_ENABLE_JAVASCRIPT"); enableJS != "" {
		if js, err := strconv.ParseBool(enableJS); err == nil {
			config.Fetch.EnableJavaScript = js
		}
	}

	// Export configuration
	if dir := os.Getenv("THALA_EXPORT_DIR"); dir != "" {
		config.Export.Dir = dir
	}

	// Logging configuration
	if level := os.Getenv("THALA_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("THALA_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("THALA_LOG_OUTPUT"); output != "" {
		// Split comma-separated output types
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			trimmed := strings.TrimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Workflow configuration
	if mode := os.Getenv("THALA_MODE"); mode != "" {
		config.Workflow.Mode = mode
	}
	if dumpDir := os.Getenv("THALA_DUMP_DIR"); dumpDir != "" {
		config.Workflow.DumpDir = dumpDir
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, mode string, logLevel string) {
	// Command-line flags have highest priority
	if mode != "" {
		config.Workflow.Mode = mode
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}
}

// ResolveAPIKey resolves an API key by name with environment variable priority
// Resolution order: environment variables → config fallback → error
// This ensures standard environment variables always take precedence
func ResolveAPIKey(name string, configFallback string) (string, error) {
	keyToEnvMapping := map[string][]string{
		"anthropic_api_key":  {"THALA_CLAUDE_API_KEY", "ANTHROPIC_API_KEY"},
		"openai_api_key":     {"OPENAI_API_KEY"},
		"gemini_api_key":     {"GEMINI_API_KEY"},
		"deepseek_api_key":   {"DEEPSEEK_API_KEY"},
		"perplexity_api_key": {"PERPLEXITY_API_KEY"},
	}

	// Check environment variables (highest priority)
	if envVarNames, hasMappedEnv := keyToEnvMapping[name]; hasMappedEnv {
		for _, envVarName := range envVarNames {
			if envValue := os.Getenv(envVarName); envValue != "" {
				return envValue, nil
			}
		}
	}

	// Fallback to config value (lowest priority)
	if configFallback != "" {
		return configFallback, nil
	}

	return "", fmt.Errorf("API key '%s' not found in environment or config", name)
}

// ParseDurationOr parses a duration string, returning the fallback when the
// string is empty or malformed. Config duration fields are stored as strings
// so that thala.toml stays human-editable.
func ParseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// AllowTestURLs returns true if test URLs (localhost, 127.0.0.1, etc.) are allowed
// Test URLs are only allowed in development mode
func (c *Config) AllowTestURLs() bool {
	return !c.IsProduction()
}

// DevMode returns true when the workflow mode dumps intermediate state
func (c *Config) DevMode() bool {
	return strings.EqualFold(strings.TrimSpace(c.Workflow.Mode), "dev")
}

// DeepCloneConfig creates a deep copy of the Config struct.
// Services receive clones so a misbehaving component cannot mutate the
// configuration seen by the rest of the application.
func DeepCloneConfig(c *Config) *Config {
	if c == nil {
		return nil
	}

	// Clone the config struct (shallow copy first)
	clone := *c

	// Deep clone slice fields to prevent shared memory
	if len(c.Logging.Output) > 0 {
		clone.Logging.Output = make([]string, len(c.Logging.Output))
		copy(clone.Logging.Output, c.Logging.Output)
	}

	return &clone
}
