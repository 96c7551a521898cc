// Package registry holds the configured agent profiles and lazily creates one
// session orchestrator per profile.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/acphost/internal/acp/adapter"
	"github.com/kandev/acphost/internal/acp/conn"
	"github.com/kandev/acphost/internal/acp/procutil"
	"github.com/kandev/acphost/internal/acp/session"
	"github.com/kandev/acphost/internal/common/config"
	apperrors "github.com/kandev/acphost/internal/common/errors"
	"github.com/kandev/acphost/internal/common/logger"
	"github.com/kandev/acphost/internal/events"
	"github.com/kandev/acphost/internal/persistence"
)

// Options configure a Registry.
type Options struct {
	DefaultAgent string
	Adapters     *adapter.Set
	Store        *persistence.Store
	// Sink returns the event sink for one agent. Nil discards events.
	Sink            func(agentID string) events.Sink
	Host            session.HostAdapter
	SpawnGrace      time.Duration
	OutputByteLimit int
}

// AgentInfo describes a registered profile.
type AgentInfo struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	Adapter   string   `json:"adapter"`
	Default   bool     `json:"default"`
	Connected bool     `json:"connected"`
}

// Registry maps agent ids to profiles and their orchestrators.
type Registry struct {
	opts   Options
	logger *logger.Logger

	mu            sync.RWMutex
	profiles      map[string]config.AgentConfig
	orchestrators map[string]*session.Orchestrator
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, log *logger.Logger) *Registry {
	if opts.Adapters == nil {
		opts.Adapters, _ = adapter.NewSet()
	}
	if opts.Store == nil {
		opts.Store = persistence.NewMemoryStore()
	}
	return &Registry{
		opts:          opts,
		logger:        logger.Or(log).WithFields(zap.String("component", "agent-registry")),
		profiles:      make(map[string]config.AgentConfig),
		orchestrators: make(map[string]*session.Orchestrator),
	}
}

// ValidateConfig checks one agent profile.
func ValidateConfig(cfg config.AgentConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return apperrors.ValidationError("id", "is required")
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return apperrors.ValidationError("command", fmt.Sprintf("is required for agent %s", cfg.ID))
	}
	return nil
}

// Register adds or replaces a profile. A replaced profile's orchestrator is
// kept until Remove; the new settings apply to the next one.
func (r *Registry) Register(cfg config.AgentConfig) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	if cfg.Adapter != "" {
		if _, ok := r.opts.Adapters.Lookup(cfg.Adapter); !ok {
			return apperrors.ValidationError("adapter", fmt.Sprintf("unknown adapter %q for agent %s", cfg.Adapter, cfg.ID))
		}
	}
	r.mu.Lock()
	r.profiles[cfg.ID] = cfg
	r.mu.Unlock()
	r.logger.Info("agent registered", zap.String("agent_id", cfg.ID), zap.String("command", cfg.Command))
	return nil
}

// Unregister disposes the agent's orchestrator and forgets its profile.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	_, ok := r.profiles[id]
	delete(r.profiles, id)
	r.mu.Unlock()
	if !ok {
		return apperrors.NotFound("agent", id)
	}
	return r.Remove(ctx, id)
}

func (r *Registry) resolveID(id string) string {
	if id != "" {
		return id
	}
	if r.opts.DefaultAgent != "" {
		return r.opts.DefaultAgent
	}
	if len(r.profiles) == 1 {
		for only := range r.profiles {
			return only
		}
	}
	return ""
}

// Get returns the orchestrator for id, creating it on first use. An empty id
// selects the default agent.
func (r *Registry) Get(id string) (*session.Orchestrator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id = r.resolveID(id)
	if o, ok := r.orchestrators[id]; ok {
		return o, nil
	}
	cfg, ok := r.profiles[id]
	if !ok {
		if id == "" {
			return nil, apperrors.BadRequest("no agent id given and no default agent configured")
		}
		return nil, apperrors.NotFound("agent", id)
	}
	o := r.build(cfg)
	r.orchestrators[id] = o
	return o, nil
}

// Exists reports whether a profile is registered under id.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.profiles[r.resolveID(id)]
	return ok
}

// Lookup returns the orchestrator for id only if it already exists.
func (r *Registry) Lookup(id string) (*session.Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orchestrators[r.resolveID(id)]
	return o, ok
}

func (r *Registry) build(cfg config.AgentConfig) *session.Orchestrator {
	var sink events.Sink = events.Nop
	if r.opts.Sink != nil {
		sink = r.opts.Sink(cfg.ID)
	}
	opts := conn.Options{
		AgentID:         cfg.ID,
		Command:         cfg.Command,
		Args:            cfg.Args,
		Env:             procutil.ParseEnvList(cfg.Env),
		Cwd:             cfg.Cwd,
		Adapters:        r.opts.Adapters,
		SpawnGrace:      r.opts.SpawnGrace,
		OutputByteLimit: r.opts.OutputByteLimit,
	}
	if cfg.Adapter != "" {
		opts.Profile, _ = r.opts.Adapters.Lookup(cfg.Adapter)
	}
	log := r.logger
	r.logger.Debug("creating orchestrator", zap.String("agent_id", cfg.ID))
	return session.New(session.Options{
		AgentID: cfg.ID,
		Store:   r.opts.Store,
		Host:    r.opts.Host,
	}, sink, func(s events.Sink) session.Connection {
		return conn.New(opts, s, log)
	}, log)
}

// List returns every registered profile, sorted by id.
func (r *Registry) List() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defaultID := r.resolveID("")
	out := make([]AgentInfo, 0, len(r.profiles))
	for id, cfg := range r.profiles {
		info := AgentInfo{
			ID:      id,
			Title:   cfg.Title,
			Command: cfg.Command,
			Args:    cfg.Args,
			Cwd:     cfg.Cwd,
			Default: id == defaultID,
		}
		if info.Title == "" {
			info.Title = id
		}
		if o, ok := r.orchestrators[id]; ok {
			info.Adapter = o.Profile().ID
			_, info.Connected = o.Initialized()
		} else if cfg.Adapter != "" {
			info.Adapter = cfg.Adapter
		} else {
			info.Adapter = r.opts.Adapters.Detect(cfg.Command, cfg.Args).ID
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove disposes the orchestrator for id, if one exists. The profile stays
// registered and the next Get starts a fresh agent.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	id = r.resolveID(id)
	o, ok := r.orchestrators[id]
	delete(r.orchestrators, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.logger.Info("disposing agent", zap.String("agent_id", id))
	return o.Dispose(ctx)
}

// DisposeAll tears every orchestrator down in parallel.
func (r *Registry) DisposeAll(ctx context.Context) error {
	r.mu.Lock()
	all := r.orchestrators
	r.orchestrators = make(map[string]*session.Orchestrator)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for id, o := range all {
		id, o := id, o
		g.Go(func() error {
			if err := o.Dispose(gctx); err != nil {
				return fmt.Errorf("dispose %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}
