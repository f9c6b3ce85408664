// Package catalog is the tool catalog: canonical tool names, their aliases,
// the provider each tool routes to and the timeout class that bounds it.
//
// The catalog is embedded into the binary at compile time and can be
// replaced at runtime with EXAI_CATALOG_FILE.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

// ProviderLocal marks tools answered by the daemon itself.
const ProviderLocal = "local"

// Catalog is the parsed tool catalog.
type Catalog struct {
	Version        string                   `yaml:"version"`
	StripSuffixes  []string                 `yaml:"strip_suffixes"`
	IgnoredFields  []string                 `yaml:"ignored_fields"`
	Defaults       Defaults                 `yaml:"defaults"`
	TimeoutClasses map[string]time.Duration `yaml:"timeout_classes"`
	Providers      map[string]Provider      `yaml:"providers"`
	Tools          []Tool                   `yaml:"tools"`

	byName map[string]*Tool // canonical names and aliases, lower case
}

// Defaults fills in tool fields left empty in the catalog file.
type Defaults struct {
	Provider string `yaml:"provider"`
	Class    string `yaml:"class"`
}

// Provider describes an OpenAI-compatible upstream.
type Provider struct {
	DisplayName  string   `yaml:"display_name"`
	BaseURL      string   `yaml:"base_url"`
	BaseURLEnv   string   `yaml:"base_url_env"`
	APIKeyEnv    string   `yaml:"api_key_env"`
	DefaultModel string   `yaml:"default_model"`
	Models       []string `yaml:"models"`
}

// Tool is one catalog entry.
type Tool struct {
	Name         string   `yaml:"name"`
	Aliases      []string `yaml:"aliases"`
	Provider     string   `yaml:"provider"`
	Class        string   `yaml:"class"`
	Description  string   `yaml:"description"`
	SystemPrompt string   `yaml:"system_prompt"`
}

// Local reports whether the daemon answers this tool without a provider.
func (t *Tool) Local() bool {
	return t.Provider == ProviderLocal
}

// Load parses the embedded catalog.
func Load() (*Catalog, error) {
	return Parse(embeddedCatalog)
}

// LoadFromFile parses a catalog file from disk instead of the embedded one.
func LoadFromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing catalog YAML: %w", err)
	}
	if len(c.Tools) == 0 {
		return nil, fmt.Errorf("catalog has no tools")
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

// index applies defaults, validates references and builds the name lookup.
func (c *Catalog) index() error {
	c.byName = make(map[string]*Tool, len(c.Tools)*2)
	for i := range c.Tools {
		t := &c.Tools[i]
		t.Name = strings.ToLower(strings.TrimSpace(t.Name))
		if t.Name == "" {
			return fmt.Errorf("catalog tool #%d has no name", i)
		}
		if t.Provider == "" {
			t.Provider = c.Defaults.Provider
		}
		if t.Class == "" {
			t.Class = c.Defaults.Class
		}
		if _, ok := c.Providers[t.Provider]; !ok && t.Provider != ProviderLocal {
			return fmt.Errorf("tool %q routes to unknown provider %q", t.Name, t.Provider)
		}
		if d, ok := c.TimeoutClasses[t.Class]; !ok || d <= 0 {
			return fmt.Errorf("tool %q has unknown or empty timeout class %q", t.Name, t.Class)
		}

		for _, name := range append([]string{t.Name}, t.Aliases...) {
			name = strings.ToLower(strings.TrimSpace(name))
			if prev, dup := c.byName[name]; dup {
				return fmt.Errorf("catalog name %q is used by both %q and %q", name, prev.Name, t.Name)
			}
			c.byName[name] = t
		}
	}
	return nil
}

// Normalize maps a client-supplied tool name to its canonical form: trimmed,
// lower-cased, stripped of client suffixes and resolved through aliases.
// Unknown names are returned in their cleaned form.
func (c *Catalog) Normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if t, ok := c.byName[n]; ok {
		return t.Name
	}
	for _, suffix := range c.StripSuffixes {
		if s := strings.TrimSuffix(n, strings.ToLower(suffix)); s != n && s != "" {
			n = s
			break
		}
	}
	if t, ok := c.byName[n]; ok {
		return t.Name
	}
	return n
}

// Lookup resolves name (aliases and suffixes allowed) to a catalog tool.
func (c *Catalog) Lookup(name string) (*Tool, bool) {
	t, ok := c.byName[c.Normalize(name)]
	return t, ok
}

// Timeout returns the execution deadline for a timeout class.
func (c *Catalog) Timeout(class string) time.Duration {
	return c.TimeoutClasses[class]
}

// MinTimeout returns the shortest configured class timeout.
func (c *Catalog) MinTimeout() time.Duration {
	var shortest time.Duration
	for _, d := range c.TimeoutClasses {
		if shortest == 0 || d < shortest {
			shortest = d
		}
	}
	return shortest
}

// Provider returns the provider entry for id.
func (c *Catalog) Provider(id string) (Provider, bool) {
	p, ok := c.Providers[id]
	return p, ok
}

// ProviderIDs returns the configured provider ids in sorted order.
func (c *Catalog) ProviderIDs() []string {
	ids := make([]string, 0, len(c.Providers))
	for id := range c.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
