// Package config loads Watt configuration from defaults, YAML files, profile
// overlays, WATT_ environment variables and command line overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "WATT_"

type Config struct {
	Log        LogConfig        `koanf:"log"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	LLM        LLMConfig        `koanf:"llm"`
	Engine     EngineConfig     `koanf:"engine"`
	Memory     MemoryConfig     `koanf:"memory"`
	Accounting AccountingConfig `koanf:"accounting"`
	Governance GovernanceConfig `koanf:"governance"`
	Store      StoreConfig      `koanf:"store"`
	Retrieval  RetrievalConfig  `koanf:"retrieval"`
	Tools      ToolsConfig      `koanf:"tools"`
	MCP        MCPConfig        `koanf:"mcp"`
	Server     ServerConfig     `koanf:"server"`
	Agents     AgentsConfig     `koanf:"agents"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter           string            `koanf:"exporter"` // none, stdout, otlp, otlp-http
	OTLPEndpoint       string            `koanf:"otlp_endpoint"`
	OTLPInsecure       bool              `koanf:"otlp_insecure"`
	OTLPTimeoutSeconds int               `koanf:"otlp_timeout_seconds"`
	OTLPHeaders        map[string]string `koanf:"otlp_headers"`
	OTLPUser           string            `koanf:"otlp_user"`
	OTLPToken          string            `koanf:"otlp_token"`
}

type LLMConfig struct {
	Provider            string  `koanf:"provider"` // http, mock
	Name                string  `koanf:"name"`     // provider label recorded on usage records
	Model               string  `koanf:"model"`
	BaseURL             string  `koanf:"base_url"`
	APIKey              string  `koanf:"api_key"`
	Temperature         float64 `koanf:"temperature"`
	TimeoutSeconds      int     `koanf:"timeout_seconds"`
	MaxRetries          int     `koanf:"max_retries"`
	BreakerThreshold    int     `koanf:"breaker_threshold"`
	BreakerResetSeconds int     `koanf:"breaker_reset_seconds"`
}

type EngineConfig struct {
	MaxIterations                int  `koanf:"max_iterations"`
	DefaultToolTimeoutSeconds    int  `koanf:"default_tool_timeout_seconds"`
	ApprovalTimeoutSeconds       int  `koanf:"approval_timeout_seconds"`
	ApprovalSweepIntervalSeconds int  `koanf:"approval_sweep_interval_seconds"`
	Stream                       bool `koanf:"stream"`
}

type MemoryConfig struct {
	MaxTokens            int    `koanf:"max_tokens"`
	CompressionThreshold int    `koanf:"compression_threshold"`
	KeepRecent           int    `koanf:"keep_recent"`
	SummaryTokens        int    `koanf:"summary_tokens"`
	Summarizer           string `koanf:"summarizer"` // heuristic, llm
}

// ModelRate is a per-1K-token price entry. Rates are a list because model
// names such as gpt-3.5-turbo contain the key delimiter.
type ModelRate struct {
	Model      string  `koanf:"model"`
	Prompt     float64 `koanf:"prompt"`
	Completion float64 `koanf:"completion"`
}

type AccountingConfig struct {
	DefaultPromptRate     float64     `koanf:"default_prompt_rate"`
	DefaultCompletionRate float64     `koanf:"default_completion_rate"`
	Rates                 []ModelRate `koanf:"rates"`
	EscalationTool        string      `koanf:"escalation_tool"`
}

type GovernanceConfig struct {
	PolicyFile      string `koanf:"policy_file"`
	PIIMode         string `koanf:"pii_mode"` // off, block, redact
	ApprovalChannel string `koanf:"approval_channel"`
}

type StoreConfig struct {
	Driver string `koanf:"driver"` // memory, sqlite, postgres
	DSN    string `koanf:"dsn"`
}

type RetrievalConfig struct {
	Backend         string `koanf:"backend"` // http, qdrant, pgvector
	BaseURL         string `koanf:"base_url"`
	QdrantAddr      string `koanf:"qdrant_addr"`
	PGVectorDSN     string `koanf:"pgvector_dsn"`
	PGVectorTable   string `koanf:"pgvector_table"`
	EmbedderBaseURL string `koanf:"embedder_base_url"`
	EmbedderModel   string `koanf:"embedder_model"`
}

type ToolsConfig struct {
	HTTPTimeoutSeconds  int    `koanf:"http_timeout_seconds"`
	MessagingWebhookURL string `koanf:"messaging_webhook_url"`
	MessagingSecret     string `koanf:"messaging_secret"`
}

type MCPServerConfig struct {
	Transport      string            `koanf:"transport"` // stdio, http
	Command        string            `koanf:"command"`
	Args           []string          `koanf:"args"`
	Env            map[string]string `koanf:"env"`
	URL            string            `koanf:"url"`
	TimeoutSeconds int               `koanf:"timeout_seconds"`
}

type MCPConfig struct {
	Servers map[string]MCPServerConfig `koanf:"servers"`
}

type ServerConfig struct {
	Addr        string   `koanf:"addr"`
	CORSOrigins []string `koanf:"cors_origins"`
}

type AgentsConfig struct {
	Dir string `koanf:"dir"`
}

// Global k instance
var k = koanf.New(".")

// LoadOptions drive a full configuration load.
type LoadOptions struct {
	Path    string
	Profile string
	Sets    []string // key=value overrides, applied last
}

// Load reads path (optional) plus environment overrides.
func Load(path string) (*Config, error) {
	return LoadWithOptions(LoadOptions{Path: path})
}

// LoadWithProfile loads path and overlays <name>.<profile><ext> when present.
func LoadWithProfile(path, profile string) (*Config, error) {
	return LoadWithOptions(LoadOptions{Path: path, Profile: profile})
}

// LoadWithCLI parses --config, --profile/--env and repeated --set flags.
func LoadWithCLI(args []string) (*Config, error) {
	opts, sets, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	opts.Sets = sets
	return LoadWithOptions(opts)
}

// LoadWithOptions applies defaults, file, profile, env and CLI layers in order.
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	k = koanf.New(".")
	setDefaults()

	// 1. Load from file
	if opts.Path != "" {
		if err := k.Load(file.Provider(opts.Path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", opts.Path, err)
		}
		if opts.Profile != "" {
			profilePath := ProfilePath(opts.Path, opts.Profile)
			if _, err := os.Stat(profilePath); err == nil {
				if err := k.Load(file.Provider(profilePath), yaml.Parser()); err != nil {
					return nil, fmt.Errorf("config: load profile %s: %w", profilePath, err)
				}
			}
		}
	}

	// 2. Load from ENV (WATT_ENGINE_MAX_ITERATIONS -> engine.max_iterations)
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	// 3. CLI overrides
	for _, set := range opts.Sets {
		key, value, err := parseSet(set)
		if err != nil {
			return nil, err
		}
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("config: set %s: %w", key, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("telemetry.exporter", "none")
	k.Set("telemetry.otlp_timeout_seconds", 10)

	k.Set("llm.provider", "http")
	k.Set("llm.name", "openai")
	k.Set("llm.model", "gpt-4o")
	k.Set("llm.base_url", "http://localhost:8000/v1")
	k.Set("llm.timeout_seconds", 60)
	k.Set("llm.max_retries", 3)
	k.Set("llm.breaker_threshold", 5)
	k.Set("llm.breaker_reset_seconds", 30)

	k.Set("engine.max_iterations", 10)
	k.Set("engine.default_tool_timeout_seconds", 30)
	k.Set("engine.approval_timeout_seconds", 3600)
	k.Set("engine.approval_sweep_interval_seconds", 30)
	k.Set("engine.stream", false)

	k.Set("memory.max_tokens", 4000)
	k.Set("memory.compression_threshold", 3000)
	k.Set("memory.keep_recent", 10)
	k.Set("memory.summary_tokens", 64)
	k.Set("memory.summarizer", "heuristic")

	k.Set("accounting.default_prompt_rate", 0.000002)
	k.Set("accounting.default_completion_rate", 0.000004)
	k.Set("accounting.escalation_tool", "escalate")

	k.Set("governance.pii_mode", "off")
	k.Set("governance.approval_channel", "#approvals")

	k.Set("store.driver", "memory")

	k.Set("retrieval.backend", "http")
	k.Set("retrieval.base_url", "http://localhost:8001")
	k.Set("retrieval.qdrant_addr", "localhost:6334")
	k.Set("retrieval.pgvector_table", "passages")
	k.Set("retrieval.embedder_base_url", "http://localhost:11434")
	k.Set("retrieval.embedder_model", "nomic-embed-text")

	k.Set("tools.http_timeout_seconds", 30)

	k.Set("server.addr", ":8080")
	k.Set("agents.dir", "agents")
}

// envKey maps WATT_SECTION_SOME_KEY to section.some_key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, rest, ok := strings.Cut(s, "_")
	if !ok {
		return section
	}
	return section + "." + rest
}

// ProfilePath returns the overlay file for profile next to path.
func ProfilePath(path, profile string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + profile + ext
}

func parseCLIOverrides(args []string) (LoadOptions, []string, error) {
	var (
		opts LoadOptions
		sets []string
	)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--config", "--profile", "--env", "--set":
		default:
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return opts, nil, fmt.Errorf("config: missing value for %s", name)
			}
			i++
			value = args[i]
		}
		switch name {
		case "--config":
			opts.Path = value
		case "--profile", "--env":
			opts.Profile = value
		case "--set":
			if _, _, err := parseSet(value); err != nil {
				return opts, nil, err
			}
			sets = append(sets, value)
		}
	}
	return opts, sets, nil
}

// parseSet splits key=value. JSON objects and arrays are decoded so whole
// sections can be replaced from the command line.
func parseSet(set string) (string, any, error) {
	key, raw, ok := strings.Cut(set, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", nil, fmt.Errorf("config: invalid override %q, expected key=value", set)
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return "", nil, fmt.Errorf("config: decode override %s: %w", key, err)
		}
		return key, decoded, nil
	}
	return key, raw, nil
}

// Seconds converts a seconds setting into a duration, using fallback for non-positive values.
func Seconds(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Second
}
