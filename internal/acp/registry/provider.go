package registry

import (
	"context"

	"github.com/kandev/acphost/internal/acp/adapter"
	"github.com/kandev/acphost/internal/common/config"
	"github.com/kandev/acphost/internal/common/logger"
	"github.com/kandev/acphost/internal/events"
	"github.com/kandev/acphost/internal/events/bus"
	"github.com/kandev/acphost/internal/persistence"
)

// Provide builds the registry from configuration. Events are published on
// eventBus under acp.<agent>.<kind>.
func Provide(cfg *config.Config, eventBus bus.EventBus, store *persistence.Store, log *logger.Logger) (*Registry, func() error, error) {
	var extra []*adapter.Profile
	if cfg.AdaptersFile != "" {
		loaded, err := adapter.LoadFile(cfg.AdaptersFile)
		if err != nil {
			return nil, nil, err
		}
		extra = loaded
	}
	adapters, err := adapter.NewSet(extra...)
	if err != nil {
		return nil, nil, err
	}

	reg := NewRegistry(Options{
		DefaultAgent: cfg.DefaultAgent,
		Adapters:     adapters,
		Store:        store,
		Sink: func(agentID string) events.Sink {
			return events.NewBusSink(eventBus, agentID, log)
		},
		SpawnGrace:      cfg.Spawn.Grace(),
		OutputByteLimit: cfg.Terminal.DefaultOutputByteLimit,
	}, log)
	for _, agent := range cfg.Agents {
		if err := reg.Register(agent); err != nil {
			return nil, nil, err
		}
	}
	cleanup := func() error {
		return reg.DisposeAll(context.Background())
	}
	return reg, cleanup, nil
}
