// Package config provides configuration management for the LODE extractors.
//
// This package handles loading configuration from multiple sources with proper precedence:
//   - YAML configuration files
//   - .env files
//   - Environment variables (LODE_ prefix plus the legacy unprefixed names)
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (set via SetDefaults)
//  2. Configuration files (./lode.yaml, ./configs/lode.yaml, ~/.lode/lode.yaml, /etc/lode/lode.yaml)
//  3. .env files
//  4. Environment variables
//
// # Usage Example
//
//	cfg, err := config.LoadConfig("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sink: %s\n", cfg.SQL.DSN)
//
// # Environment Variables
//
// Prefixed variables follow the key path with underscores:
//   - LODE_SQL_DSN=postgres://...
//   - LODE_GRAPH_PAGE_SIZE=50
//   - LODE_EXTRACT_BATCH_SIZE=100
//
// The unprefixed variable names of the legacy extractors keep working and
// map onto the same keys: AZ_TENANT_ID, AZ_CLIENT_ID, AZ_CLIENT_SECRET,
// USER_FILTER, PAGE_SIZE, MANAGERS_FILE, LOTUS_PASSWORD and NOTES_CAS_ROOT.
// When both forms are set, the prefixed variable wins.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// DefaultEnvPrefix is the environment variable prefix of the lode binary.
const DefaultEnvPrefix = "LODE"

// SQLConfig contains the relational sink settings.
type SQLConfig struct {
	// DSN is the postgres connection string (keyword or URL form)
	DSN string `mapstructure:"dsn"`
}

// NotesConfig contains the document bridge settings.
type NotesConfig struct {
	// Password unlocks the bridge session
	Password string `mapstructure:"password"`
}

// GraphConfig contains the identity directory settings.
type GraphConfig struct {
	// TenantID is the directory tenant
	TenantID string `mapstructure:"tenant_id"`

	// ClientID is the registered application id
	ClientID string `mapstructure:"client_id"`

	// ClientSecret is the application credential
	ClientSecret string `mapstructure:"client_secret"`

	// UserFilter is an optional OData expression appended verbatim as $filter
	UserFilter string `mapstructure:"user_filter"`

	// PageSize is the initial $top for user paging (default: 100)
	PageSize int `mapstructure:"page_size"`

	// ManagersFile is an explicit managers file path; when empty the
	// well-known names are probed in the working directory
	ManagersFile string `mapstructure:"managers_file"`
}

// MissingCredentials returns the environment variable names of the unset
// identity credentials. Empty means the directory can be queried.
func (c GraphConfig) MissingCredentials() []string {
	var missing []string
	if c.TenantID == "" {
		missing = append(missing, "AZ_TENANT_ID")
	}
	if c.ClientID == "" {
		missing = append(missing, "AZ_CLIENT_ID")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "AZ_CLIENT_SECRET")
	}
	return missing
}

// CASConfig contains the content-addressed store settings.
type CASConfig struct {
	// Root is the store directory; empty resolves the platform default
	// ($LOCALAPPDATA/notes_cas, else $HOME/notes_cas)
	Root string `mapstructure:"root"`
}

// ExtractConfig contains the document extraction settings.
type ExtractConfig struct {
	// BatchSize is the number of documents committed per transaction (default: 50)
	BatchSize int `mapstructure:"batch_size"`

	// CategoryColumn is the view column carrying category paths (default: 0)
	CategoryColumn int `mapstructure:"category_column"`

	// ItemFilterPolicy decides what happens to item names missing from the
	// filter table: "permissive" stores them, "strict" skips them
	ItemFilterPolicy string `mapstructure:"item_filter_policy"`

	// ViewSynonyms extend or replace entries of the built-in synonym table;
	// each key is a canonical view name mapped to its match patterns
	ViewSynonyms map[string][]string `mapstructure:"view_synonyms"`
}

// OrgConfig contains the directory export settings.
type OrgConfig struct {
	// OutputDir receives the JSON snapshots; empty means the working directory
	OutputDir string `mapstructure:"output_dir"`

	// SaveManagers persists the resolved child-to-manager map next to the
	// snapshots
	SaveManagers bool `mapstructure:"save_managers"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// Config is the full configuration of the lode binary.
type Config struct {
	// SQL contains the relational sink settings
	SQL SQLConfig `mapstructure:"sql"`

	// Notes contains the document bridge settings
	Notes NotesConfig `mapstructure:"notes"`

	// Graph contains the identity directory settings
	Graph GraphConfig `mapstructure:"graph"`

	// CAS contains the content store settings
	CAS CASConfig `mapstructure:"cas"`

	// Extract contains the document extraction settings
	Extract ExtractConfig `mapstructure:"extract"`

	// Org contains the directory export settings
	Org OrgConfig `mapstructure:"org"`

	// Logging contains logging settings
	Logging LoggingConfig `mapstructure:"logging"`
}

// legacyEnvBindings maps configuration keys onto the unprefixed environment
// variable names of the legacy extractors.
var legacyEnvBindings = map[string]string{
	"graph.tenant_id":     "AZ_TENANT_ID",
	"graph.client_id":     "AZ_CLIENT_ID",
	"graph.client_secret": "AZ_CLIENT_SECRET",
	"graph.user_filter":   "USER_FILTER",
	"graph.page_size":     "PAGE_SIZE",
	"graph.managers_file": "MANAGERS_FILE",
	"notes.password":      "LOTUS_PASSWORD",
	"cas.root":            "NOTES_CAS_ROOT",
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment prefix.
// The prefix is used for environment variables (e.g., "LODE" -> "LODE_SQL_DSN").
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetDefaults sets default configuration values.
// This should be called before Load().
func (l *Loader) SetDefaults(defaults map[string]any) {
	for key, value := range defaults {
		l.v.SetDefault(key, value)
	}
}

// SetConfigDefaults sets the standard lode defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("sql.dsn", "")

	l.v.SetDefault("notes.password", "")

	l.v.SetDefault("graph.tenant_id", "")
	l.v.SetDefault("graph.client_id", "")
	l.v.SetDefault("graph.client_secret", "")
	l.v.SetDefault("graph.user_filter", "")
	l.v.SetDefault("graph.page_size", 100)
	l.v.SetDefault("graph.managers_file", "")

	l.v.SetDefault("cas.root", "")

	l.v.SetDefault("extract.batch_size", 50)
	l.v.SetDefault("extract.category_column", 0)
	l.v.SetDefault("extract.item_filter_policy", "permissive")

	l.v.SetDefault("org.output_dir", "")
	l.v.SetDefault("org.save_managers", false)

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, searches for lode.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (prefixed, then legacy names)
//  2. .env file
//  3. Configuration file
//  4. Default values
func (l *Loader) Load(cfgFile string, target any) error {
	// Set config file
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("lode")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.lode")
		l.v.AddConfigPath("/etc/lode")
	}

	// Read config file
	if err := l.v.ReadInConfig(); err != nil {
		// Only fail on non-NotFound errors for explicit file paths
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// For auto-discovery, only fail on non-NotFound errors
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig() // Ignore if .env doesn't exist

	// Setup environment variable binding
	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	// Bind the legacy unprefixed names; the prefixed form wins when both
	// are set.
	for key, env := range legacyEnvBindings {
		if err := l.v.BindEnv(key, env); err != nil {
			return fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	// Unmarshal into target
	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig is a convenience function that loads the lode configuration
// with standard defaults. If cfgFile is empty, the standard locations are
// searched.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader(DefaultEnvPrefix)
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Graph.PageSize < 0 {
		return fmt.Errorf("invalid graph page size: %d", cfg.Graph.PageSize)
	}

	if cfg.Extract.BatchSize < 0 {
		return fmt.Errorf("invalid extract batch size: %d", cfg.Extract.BatchSize)
	}

	return nil
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
