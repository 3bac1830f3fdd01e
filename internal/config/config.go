// Package config handles Cartwright configuration loading.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/cartwright/config.yaml, /etc/cartwright/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "cartwright", "config.yaml"))
	}

	paths = append(paths, "/etc/cartwright/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Cartwright configuration.
type Config struct {
	Listen    ListenConfig   `yaml:"listen"`
	LLM       LLMConfig      `yaml:"llm"`
	Catalog   CatalogConfig  `yaml:"catalog"`
	Agent     AgentConfig    `yaml:"agent"`
	Session   SessionConfig  `yaml:"session"`
	Checkout  CheckoutConfig `yaml:"checkout"`
	Usage     UsageConfig    `yaml:"usage"`
	Twilio    TwilioConfig   `yaml:"twilio"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	DataDir   string         `yaml:"data_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig selects and configures the language-model provider.
type LLMConfig struct {
	// Provider is "anthropic" or "openai". The openai provider speaks the
	// chat-completions protocol and works with LiteLLM, Ollama and vLLM.
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// CatalogConfig points at the MCP server that exposes product search.
// Exactly one of URL (streamable HTTP) or Command (stdio subprocess)
// must be set.
type CatalogConfig struct {
	URL                string            `yaml:"url"`
	Headers            map[string]string `yaml:"headers"`
	Command            string            `yaml:"command"`
	Args               []string          `yaml:"args"`
	Env                []string          `yaml:"env"`
	SearchTool         string            `yaml:"search_tool"`
	CartTool           string            `yaml:"cart_tool"`
	ProductLinkTool    string            `yaml:"product_link_tool"`
	QueryArg           string            `yaml:"query_arg"`
	ResultLimit        int               `yaml:"result_limit"`
	Timeout            time.Duration     `yaml:"timeout"`
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify"`
}

// AgentConfig bounds a single turn of the agent loop.
type AgentConfig struct {
	MaxRounds    int           `yaml:"max_rounds"`
	MaxMalformed int           `yaml:"max_malformed"`
	ModelRetries int           `yaml:"model_retries"`
	ToolRetries  int           `yaml:"tool_retries"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	TurnTimeout  time.Duration `yaml:"turn_timeout"`
	// PromptFile optionally replaces the built-in system prompt.
	PromptFile string `yaml:"prompt_file"`
}

// SessionConfig controls the in-memory session store.
type SessionConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// BusyPolicy is "queue" (default) or "reject".
	BusyPolicy string `yaml:"busy_policy"`
}

// CheckoutConfig defines how baskets are rendered into order links.
type CheckoutConfig struct {
	// Mode is "local" (default) to render base_url links, or "catalog"
	// to ask the catalog server for a cart link and fall back to the
	// local link when that fails.
	Mode    string            `yaml:"mode"`
	BaseURL string            `yaml:"base_url"`
	Params  map[string]string `yaml:"params"`
}

// Checkout modes.
const (
	CheckoutLocal   = "local"
	CheckoutCatalog = "catalog"
)

// UsageConfig enables the SQLite token-usage ledger.
type UsageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // Default: <data_dir>/usage.db
}

// TwilioConfig enables the WhatsApp webhook transport.
type TwilioConfig struct {
	Enabled    bool   `yaml:"enabled"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
	// WebhookURL is the public URL Twilio posts to. When set, inbound
	// requests must carry a valid X-Twilio-Signature for it.
	WebhookURL string `yaml:"webhook_url"`
}

// MQTTConfig enables mirroring turn events to an MQTT broker.
type MQTTConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Broker      string        `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	KeepAlive   time.Duration `yaml:"keep_alive"`
}

// Busy policies for concurrent messages on one conversation.
const (
	BusyQueue  = "queue"
	BusyReject = "reject"
)

// Load reads configuration from a YAML file. A .env file next to the
// config file (or in the working directory) is loaded into the process
// environment first, so ${VAR} references can point at it. Variables
// already set in the environment win.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func loadDotEnv(candidates ...string) error {
	seen := make(map[string]bool)
	for _, p := range candidates {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Default returns a configuration with every default applied and no
// backends configured.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.Catalog.SearchTool == "" {
		c.Catalog.SearchTool = "vkusvill_products_search"
	}
	if c.Catalog.CartTool == "" {
		c.Catalog.CartTool = "vkusvill_cart_link_create"
	}
	if c.Catalog.ProductLinkTool == "" {
		c.Catalog.ProductLinkTool = "vkusvill_product_link"
	}
	if c.Catalog.QueryArg == "" {
		c.Catalog.QueryArg = "q"
	}
	if c.Catalog.ResultLimit == 0 {
		c.Catalog.ResultLimit = 10
	}
	if c.Catalog.Timeout == 0 {
		c.Catalog.Timeout = 15 * time.Second
	}
	if c.Agent.MaxRounds == 0 {
		c.Agent.MaxRounds = 8
	}
	if c.Agent.MaxMalformed == 0 {
		c.Agent.MaxMalformed = 3
	}
	if c.Agent.ModelRetries == 0 {
		c.Agent.ModelRetries = 2
	}
	if c.Agent.ToolRetries == 0 {
		c.Agent.ToolRetries = 2
	}
	if c.Agent.BackoffBase == 0 {
		c.Agent.BackoffBase = 500 * time.Millisecond
	}
	if c.Agent.BackoffMax == 0 {
		c.Agent.BackoffMax = 5 * time.Second
	}
	if c.Agent.TurnTimeout == 0 {
		c.Agent.TurnTimeout = 90 * time.Second
	}
	if c.Session.IdleTTL == 0 {
		c.Session.IdleTTL = 2 * time.Hour
	}
	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = 5 * time.Minute
	}
	if c.Session.BusyPolicy == "" {
		c.Session.BusyPolicy = BusyQueue
	}
	if c.Checkout.Mode == "" {
		c.Checkout.Mode = CheckoutLocal
	}
	if c.Checkout.BaseURL == "" {
		c.Checkout.BaseURL = "https://vkusvill.ru/cart/"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.DataDir = expandHome(c.DataDir)
	c.Usage.Path = expandHome(c.Usage.Path)
	c.Agent.PromptFile = expandHome(c.Agent.PromptFile)
	if c.Usage.Path == "" {
		c.Usage.Path = filepath.Join(c.DataDir, "usage.db")
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "cartwright"
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = 30 * time.Second
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider %q: must be anthropic or openai", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return errors.New("llm.model is required")
	}
	if c.LLM.Provider == "anthropic" && c.LLM.APIKey == "" {
		return errors.New("llm.api_key is required for the anthropic provider")
	}

	switch {
	case c.Catalog.URL == "" && c.Catalog.Command == "":
		return errors.New("catalog: one of url or command is required")
	case c.Catalog.URL != "" && c.Catalog.Command != "":
		return errors.New("catalog: url and command are mutually exclusive")
	}
	if c.Catalog.ResultLimit < 0 {
		return fmt.Errorf("catalog.result_limit %d: must not be negative", c.Catalog.ResultLimit)
	}

	if c.Agent.MaxRounds < 1 {
		return fmt.Errorf("agent.max_rounds %d: must be at least 1", c.Agent.MaxRounds)
	}
	if c.Agent.MaxMalformed < 1 {
		return fmt.Errorf("agent.max_malformed %d: must be at least 1", c.Agent.MaxMalformed)
	}
	if c.Agent.ModelRetries < 0 || c.Agent.ToolRetries < 0 {
		return errors.New("agent: retry budgets must not be negative")
	}

	switch c.Session.BusyPolicy {
	case BusyQueue, BusyReject:
	default:
		return fmt.Errorf("session.busy_policy %q: must be %s or %s", c.Session.BusyPolicy, BusyQueue, BusyReject)
	}

	switch c.Checkout.Mode {
	case CheckoutLocal, CheckoutCatalog:
	default:
		return fmt.Errorf("checkout.mode %q: must be %s or %s", c.Checkout.Mode, CheckoutLocal, CheckoutCatalog)
	}
	u, err := url.Parse(c.Checkout.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("checkout.base_url %q: must be an absolute URL", c.Checkout.BaseURL)
	}

	if c.Twilio.Enabled && (c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" || c.Twilio.FromNumber == "") {
		return errors.New("twilio: account_sid, auth_token and from_number are required when enabled")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when enabled")
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q: must be text or json", c.LogFormat)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
