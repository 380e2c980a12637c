package contextsrc

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"taskmill/internal/domain"
)

// Manager is a registry of pluggable context fetchers keyed by source type.
// It merges external data into a task's prompt before execution without
// letting any one source's failure abort the run.
type Manager struct {
	mu       sync.RWMutex
	fetchers map[string]domain.ContextFetcher
	logger   *slog.Logger
}

// NewManager creates an empty fetcher registry.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		fetchers: make(map[string]domain.ContextFetcher),
		logger:   logger,
	}
}

// Register adds (or replaces) the fetcher for its source type.
func (m *Manager) Register(f domain.ContextFetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchers[f.Type()] = f
}

// Unregister removes the fetcher for a source type.
func (m *Manager) Unregister(sourceType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fetchers, sourceType)
}

// Resolve fetches every source and accumulates the survivors per injection
// mode. A missing fetcher or a fetch error is logged and skipped; the
// resolution itself never fails, it only yields a partial context.
func (m *Manager) Resolve(ctx context.Context, sources []domain.ContextSourceSpec, ownerID string) domain.ResolvedContext {
	resolved := domain.ResolvedContext{Variables: make(map[string]string)}

	for _, spec := range sources {
		m.mu.RLock()
		fetcher, ok := m.fetchers[spec.Type]
		m.mu.RUnlock()
		if !ok {
			m.logger.Warn("no fetcher registered for context source", "type", spec.Type, "owner_id", ownerID)
			continue
		}

		content, err := fetcher.Fetch(ctx, spec, ownerID)
		if err != nil {
			m.logger.Warn("context source failed, skipping",
				"type", spec.Type, "owner_id", ownerID, "error", err)
			continue
		}
		if content == "" {
			continue
		}

		switch spec.Mode {
		case domain.InjectPrepend:
			resolved.Prepend = append(resolved.Prepend, "## Context: "+spec.Type+"\n"+content)
		case domain.InjectAppend:
			resolved.Append = append(resolved.Append, content)
		case domain.InjectVariable:
			if spec.VariableName == "" {
				m.logger.Warn("variable context source missing variable name", "type", spec.Type)
				continue
			}
			resolved.Variables[spec.VariableName] = content
		default:
			m.logger.Warn("unknown injection mode", "type", spec.Type, "mode", spec.Mode)
		}
	}

	return resolved
}

// Apply merges a resolved context into the prompt: prepend blocks first,
// append blocks after, then {{name}} placeholders. Unresolved placeholders
// are left untouched.
func (m *Manager) Apply(prompt string, resolved domain.ResolvedContext) string {
	out := prompt
	if len(resolved.Prepend) > 0 {
		out = strings.Join(resolved.Prepend, "\n\n") + "\n\n" + out
	}
	if len(resolved.Append) > 0 {
		out = out + "\n\n" + strings.Join(resolved.Append, "\n\n")
	}
	for name, value := range resolved.Variables {
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}
	return out
}
