// Package mcpconfig loads MCP server definitions from YAML files and
// environment variables, and can watch a config file for changes.
package mcpconfig

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/leandrotocalini/mcpcore/internal/mcp"
)

// ConfigError reports a problem loading or parsing a config source.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("mcpconfig: %s: %v", e.Source, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// ArgsList is a server's command-line arguments. It accepts either a YAML
// sequence of strings or a single scalar string, which is split on
// whitespace, matching the flexible array-or-string form config authors
// expect for a one-argument command.
type ArgsList []string

// UnmarshalYAML implements yaml.Unmarshaler, accepting both forms.
func (a *ArgsList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		if s == "" {
			*a = nil
			return nil
		}
		*a = strings.Fields(s)
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*a = list
	return nil
}

// ServerDefinition is one server entry as it appears in a config file,
// carrying bookkeeping fields (Description, Tags, Enabled) beyond the
// mcp.ServerConfig the runtime actually connects with.
type ServerDefinition struct {
	Name        string            `yaml:"name"`
	Command     string            `yaml:"command"`
	Args        ArgsList          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	Transport   string            `yaml:"transport"`
	Timeout     float64           `yaml:"timeout"`
	Cwd         string            `yaml:"cwd"`
	Enabled     *bool             `yaml:"enabled"`
	Description string            `yaml:"description"`
	Tags        []string          `yaml:"tags"`
}

// IsEnabled defaults to true when Enabled is unset.
func (d ServerDefinition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// ToServerConfig converts the definition to the runtime's connection config.
func (d ServerDefinition) ToServerConfig() mcp.ServerConfig {
	transport := d.Transport
	if transport == "" {
		transport = "stdio"
	}
	return mcp.ServerConfig{
		Name:      d.Name,
		Command:   d.Command,
		Args:      []string(d.Args),
		Env:       d.Env,
		Transport: transport,
		Timeout:   d.Timeout,
		Cwd:       d.Cwd,
	}
}

// Document is the top-level shape of a YAML config file.
type Document struct {
	Servers []ServerDefinition `yaml:"servers"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR} occurrences with the corresponding
// environment variable, logging a warning and leaving the placeholder
// in place if VAR is unset.
func substituteEnvVars(logger *slog.Logger, s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if logger != nil {
			logger.Warn("mcpconfig: referenced environment variable not set", "var", name)
		}
		return match
	})
}

func substituteDefinition(logger *slog.Logger, d ServerDefinition) ServerDefinition {
	d.Command = substituteEnvVars(logger, d.Command)
	for i, a := range d.Args {
		d.Args[i] = substituteEnvVars(logger, a)
	}
	for k, v := range d.Env {
		d.Env[k] = substituteEnvVars(logger, v)
	}
	return d
}

// Loader loads server configuration from YAML files and environment
// variables, matching the teacher's config.go's load-then-resolve shape but
// generalized beyond a single JSON file.
type Loader struct {
	logger   *slog.Logger
	EnvPrefix string

	cacheMu sync.RWMutex
	cache   map[string]*Document
}

// NewLoader builds a Loader. A nil logger falls back to slog.Default().
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, EnvPrefix: "MCP_", cache: make(map[string]*Document)}
}

// LoadFromFile parses a YAML config file and substitutes ${VAR} references.
// Results are cached by path; call ClearCache to force a re-read.
func (l *Loader) LoadFromFile(path string) (*Document, error) {
	l.cacheMu.RLock()
	if cached, ok := l.cache[path]; ok {
		l.cacheMu.RUnlock()
		return cached, nil
	}
	l.cacheMu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Source: path, Err: err}
	}

	doc, err := l.LoadFromBytes(data)
	if err != nil {
		return nil, &ConfigError{Source: path, Err: err}
	}

	l.cacheMu.Lock()
	l.cache[path] = doc
	l.cacheMu.Unlock()
	return doc, nil
}

// LoadFromBytes parses YAML content directly, without file caching.
func (l *Loader) LoadFromBytes(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	for i, s := range doc.Servers {
		doc.Servers[i] = substituteDefinition(l.logger, s)
	}
	return &doc, nil
}

// ClearCache drops any cached file-keyed documents, forcing the next
// LoadFromFile to re-read from disk.
func (l *Loader) ClearCache() {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	l.cache = make(map[string]*Document)
}

// LoadFromEnv builds server definitions from MCP_SERVER_<ID>_<FIELD>
// variables: NAME, COMMAND, ARGS (comma separated), ENV (K=V,K=V),
// ENABLED, TIMEOUT.
func (l *Loader) LoadFromEnv() (*Document, error) {
	byID := make(map[string]*ServerDefinition)
	prefix := l.EnvPrefix + "SERVER_"

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		id, field, ok := strings.Cut(rest, "_")
		if !ok {
			continue
		}

		def, exists := byID[id]
		if !exists {
			def = &ServerDefinition{}
			byID[id] = def
		}

		switch field {
		case "NAME":
			def.Name = value
		case "COMMAND":
			def.Command = value
		case "ARGS":
			if value != "" {
				def.Args = strings.Split(value, ",")
			}
		case "ENV":
			def.Env = parseEnvPairs(value)
		case "ENABLED":
			enabled := strings.EqualFold(value, "true") || value == "1"
			def.Enabled = &enabled
		case "TIMEOUT":
			if t, err := strconv.ParseFloat(value, 64); err == nil {
				def.Timeout = t
			}
		}
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	doc := &Document{}
	for _, id := range ids {
		def := *byID[id]
		if def.Name == "" {
			def.Name = strings.ToLower(id)
		}
		doc.Servers = append(doc.Servers, substituteDefinition(l.logger, def))
	}
	return doc, nil
}

func parseEnvPairs(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if ok {
			out[k] = v
		}
	}
	return out
}

// ValidateConfig returns every problem found in doc, rather than stopping at
// the first, so a caller can print a complete diagnostic.
func ValidateConfig(doc *Document) []error {
	var errs []error
	if doc == nil {
		return []error{fmt.Errorf("config document is nil")}
	}

	seen := make(map[string]bool)
	for i, s := range doc.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: missing name", i))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate server name %q", i, s.Name))
		}
		seen[s.Name] = true

		if s.Command == "" {
			errs = append(errs, fmt.Errorf("servers[%d] (%s): missing command", i, s.Name))
		}
		if s.Transport != "" && s.Transport != "stdio" {
			errs = append(errs, fmt.Errorf("servers[%d] (%s): unsupported transport %q", i, s.Name, s.Transport))
		}
		if s.Timeout < 0 {
			errs = append(errs, fmt.Errorf("servers[%d] (%s): negative timeout", i, s.Name))
		}
	}
	return errs
}
