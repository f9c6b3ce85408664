package provider

import (
	"fmt"
	"os"
	"sort"

	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/catalog"
)

// Set holds one client per catalog provider.
type Set struct {
	clients map[string]*Client
}

// FromCatalog builds a client for every provider in cat. Base URLs and API
// keys are read from the environment variables the catalog names; lookupEnv
// defaults to os.LookupEnv. Providers without a key are kept but report
// ErrNotConfigured when used.
func FromCatalog(cat *catalog.Catalog, lookupEnv func(string) (string, bool)) *Set {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	s := &Set{clients: make(map[string]*Client, len(cat.Providers))}
	for _, id := range cat.ProviderIDs() {
		p, _ := cat.Provider(id)
		baseURL := p.BaseURL
		if p.BaseURLEnv != "" {
			if v, ok := lookupEnv(p.BaseURLEnv); ok && v != "" {
				baseURL = v
			}
		}
		var apiKey string
		if p.APIKeyEnv != "" {
			apiKey, _ = lookupEnv(p.APIKeyEnv)
		}
		s.clients[id] = NewClient(id, baseURL, apiKey, p.DefaultModel)
	}
	return s
}

// NewSet wraps pre-built clients, keyed by their ids.
func NewSet(clients ...*Client) *Set {
	s := &Set{clients: make(map[string]*Client, len(clients))}
	for _, c := range clients {
		s.clients[c.ID()] = c
	}
	return s
}

// Get returns the client for id.
func (s *Set) Get(id string) (*Client, error) {
	c, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", id)
	}
	return c, nil
}

// Configured returns the ids of providers that have credentials, sorted.
func (s *Set) Configured() []string {
	var ids []string
	for id, c := range s.clients {
		if c.Configured() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
