// Package merchant holds the catalog of known gift card senders
package merchant

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Merchant describes one gift card sender
type Merchant struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Sender  string `yaml:"sender"`
	Website string `yaml:"website,omitempty"`
	// PortalHosts are redemption portals that need a one-time login
	PortalHosts []string `yaml:"portal_hosts,omitempty"`
	// EmbeddedURLPatterns select embedded-config extraction
	EmbeddedURLPatterns []string `yaml:"embedded_url_patterns,omitempty"`
	ExpectPIN           *bool    `yaml:"expect_pin,omitempty"`
	Notes               string   `yaml:"notes,omitempty"`
}

func (m Merchant) String() string {
	if m.Name == "" {
		return m.ID
	}
	return m.Name
}

// Catalog is a set of merchants loaded from YAML
type Catalog struct {
	Merchants []Merchant `yaml:"merchants"`
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

func sanitize(m *Merchant) {
	if !isValidURL(m.Website) {
		m.Website = ""
	}
	m.Sender = strings.ToLower(strings.TrimSpace(m.Sender))
}

// LoadFromFile reads a catalog file
func LoadFromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read merchant file: %w", err)
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse merchant file: %w", err)
	}
	for i := range c.Merchants {
		sanitize(&c.Merchants[i])
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// LoadFromDir merges every .yaml/.yml file in dir
func LoadFromDir(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read merchant directory: %w", err)
	}

	c := &Catalog{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".yaml") && !strings.HasSuffix(entry.Name(), ".yml") {
			continue
		}
		part, err := LoadFromFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", entry.Name(), err)
		}
		for _, m := range part.Merchants {
			if err := c.Add(m); err != nil {
				return nil, fmt.Errorf("%s: %w", entry.Name(), err)
			}
		}
	}
	return c, nil
}

// Validate checks ids, senders and URL patterns
func (c *Catalog) Validate() error {
	seen := make(map[string]bool)
	for _, m := range c.Merchants {
		if m.ID == "" {
			return fmt.Errorf("merchant %q has no id", m.Name)
		}
		id := strings.ToLower(m.ID)
		if seen[id] {
			return fmt.Errorf("duplicate merchant id %q", m.ID)
		}
		seen[id] = true
		if m.Sender == "" {
			return fmt.Errorf("merchant %q has no sender", m.ID)
		}
		for _, p := range m.EmbeddedURLPatterns {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("merchant %q: invalid embedded URL pattern %q: %w", m.ID, p, err)
			}
		}
	}
	return nil
}

// Find looks a merchant up by id or display name
func (c *Catalog) Find(key string) *Merchant {
	key = strings.ToLower(strings.TrimSpace(key))
	for i := range c.Merchants {
		if strings.ToLower(c.Merchants[i].ID) == key || strings.ToLower(c.Merchants[i].Name) == key {
			return &c.Merchants[i]
		}
	}
	return nil
}

// FindBySender finds the merchant that sends from address
func (c *Catalog) FindBySender(address string) *Merchant {
	address = strings.ToLower(strings.TrimSpace(address))
	for i := range c.Merchants {
		if c.Merchants[i].Sender == address {
			return &c.Merchants[i]
		}
	}
	return nil
}

// Add appends m unless its id is taken
func (c *Catalog) Add(m Merchant) error {
	if c.Find(m.ID) != nil {
		return fmt.Errorf("merchant with ID %q already exists", m.ID)
	}
	sanitize(&m)
	c.Merchants = append(c.Merchants, m)
	return nil
}

// Sorted returns the merchants ordered by display name
func (c *Catalog) Sorted() []Merchant {
	out := append([]Merchant(nil), c.Merchants...)
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].String()) < strings.ToLower(out[j].String())
	})
	return out
}

// PortalHosts returns the union of every merchant's portal hosts
func (c *Catalog) PortalHosts() []string {
	var hosts []string
	seen := make(map[string]bool)
	for _, m := range c.Merchants {
		for _, h := range m.PortalHosts {
			h = strings.ToLower(h)
			if !seen[h] {
				seen[h] = true
				hosts = append(hosts, h)
			}
		}
	}
	return hosts
}

func (c *Catalog) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to serialize merchants: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
