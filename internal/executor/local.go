package executor

import (
	"encoding/json"
	"fmt"

	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/internal/dispatch"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/catalog"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/health"
)

// ProviderInfo is one entry of the listmodels result.
type ProviderInfo struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name"`
	Configured   bool     `json:"configured"`
	DefaultModel string   `json:"default_model"`
	Models       []string `json:"models"`
}

func (e *Executor) local(tool *catalog.Tool, call dispatch.Call) (json.RawMessage, error) {
	var v any
	switch tool.Name {
	case "version":
		v = map[string]any{
			"version":         e.cfg.Version,
			"catalog_version": e.catalog.Version,
			"tools":           len(e.catalog.Tools),
			"providers":       e.catalog.ProviderIDs(),
		}
	case "listmodels":
		v = map[string]any{"providers": e.listProviders()}
	case "status":
		snap := health.Snapshot{}
		if e.status != nil {
			snap = e.status()
		}
		v = snap
	default:
		return nil, dispatch.ValidationError("local tool %q has no implementation", tool.Name)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s result: %w", tool.Name, err)
	}
	return out, nil
}

func (e *Executor) listProviders() []ProviderInfo {
	ids := e.catalog.ProviderIDs()
	infos := make([]ProviderInfo, 0, len(ids))
	for _, id := range ids {
		p, _ := e.catalog.Provider(id)
		info := ProviderInfo{
			ID:           id,
			DisplayName:  p.DisplayName,
			DefaultModel: p.DefaultModel,
			Models:       p.Models,
		}
		if c, err := e.providers.Get(id); err == nil {
			info.Configured = c.Configured()
		}
		infos = append(infos, info)
	}
	return infos
}
