// Package conn owns one ACP agent subprocess: it spawns it, performs the
// initialize handshake, exposes the outbound calls, and answers the requests
// the agent sends back (file access, terminals, permission prompts).
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/acphost/internal/acp/adapter"
	"github.com/kandev/acphost/internal/common/logger"
	"github.com/kandev/acphost/internal/events"
	"github.com/kandev/acphost/pkg/acp/jsonrpc"
)

var (
	// ErrNotConnected is returned by outbound calls made before Connect.
	ErrNotConnected = errors.New("agent is not connected")
	// ErrDisposed is returned once Dispose has been called.
	ErrDisposed = errors.New("connection disposed")
)

const defaultSpawnGrace = 200 * time.Millisecond

// Options describes the agent executable and how to talk to it.
type Options struct {
	AgentID string
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string

	// Profile forces an adapter profile. Nil detects one from Command and
	// Args using Adapters (or the built-in set).
	Profile  *adapter.Profile
	Adapters *adapter.Set

	ClientName    string
	ClientVersion string

	// SpawnGrace is how long a fresh process must stay alive before the
	// launch counts as successful.
	SpawnGrace time.Duration
	// OutputByteLimit is the default limit for agent-created terminals.
	OutputByteLimit int
}

// AuthMethod is one way the agent accepts authentication.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// InitializeResult is the cached handshake descriptor.
type InitializeResult struct {
	ProtocolVersion   json.RawMessage `json:"protocolVersion"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
	AuthMethods       []AuthMethod    `json:"authMethods,omitempty"`
}

// Connection is the host side of one agent process. It may be connected,
// lose its process, and be connected again until Dispose is called.
type Connection struct {
	opts    Options
	profile *adapter.Profile
	logger  *logger.Logger

	sinkMu sync.RWMutex
	sink   events.Sink

	group singleflight.Group

	mu       sync.Mutex
	proc     *process
	init     *InitializeResult
	disposed bool

	perms *permissionSet
}

// New prepares a connection. Nothing is spawned until Connect.
func New(opts Options, sink events.Sink, log *logger.Logger) *Connection {
	if opts.SpawnGrace <= 0 {
		opts.SpawnGrace = defaultSpawnGrace
	}
	if opts.ClientName == "" {
		opts.ClientName = "acphost"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "0.1.0"
	}
	profile := opts.Profile
	if profile == nil {
		set := opts.Adapters
		if set == nil {
			set, _ = adapter.NewSet()
		}
		profile = set.Detect(opts.Command, opts.Args)
	}
	if sink == nil {
		sink = events.Nop
	}
	return &Connection{
		opts:    opts,
		profile: profile,
		sink:    sink,
		logger: logger.Or(log).WithAgentID(opts.AgentID).WithFields(
			zap.String("component", "acp-connection"),
			zap.String("adapter", profile.ID)),
		perms: newPermissionSet(),
	}
}

// Profile returns the adapter profile resolved for this agent.
func (c *Connection) Profile() *adapter.Profile { return c.profile }

// Cwd returns the working directory the agent is started in.
func (c *Connection) Cwd() string { return c.opts.Cwd }

func (c *Connection) emit(kind events.Kind, payload any) {
	c.sinkMu.RLock()
	sink := c.sink
	c.sinkMu.RUnlock()
	sink.Emit(kind, payload)
}

// Initialized returns the cached handshake result while the process is live.
func (c *Connection) Initialized() (*InitializeResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil || c.init == nil || c.proc.closing() {
		return nil, false
	}
	return c.init, true
}

// Alive reports whether an agent process is running.
func (c *Connection) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc != nil
}

// ConnectedEvent is emitted after a successful handshake or a reuse.
type ConnectedEvent struct {
	Reused          bool            `json:"reused"`
	Reason          string          `json:"reason,omitempty"`
	ProtocolVersion json.RawMessage `json:"protocolVersion,omitempty"`
	AuthMethods     []AuthMethod    `json:"authMethods,omitempty"`
	Adapter         string          `json:"adapter"`
	PID             int             `json:"pid,omitempty"`
}

// Connect spawns the agent and performs the initialize handshake. While the
// process is live, later calls return the cached result without respawning.
// Concurrent callers share one spawn.
func (c *Connection) Connect(ctx context.Context) (*InitializeResult, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, ErrDisposed
	}
	if c.proc != nil && c.init != nil && !c.proc.closing() {
		init := c.init
		c.mu.Unlock()
		c.emit(events.ConnectionReused, ConnectedEvent{
			Reused:          true,
			Reason:          "already_connected",
			ProtocolVersion: init.ProtocolVersion,
			Adapter:         c.profile.ID,
		})
		return init, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("connect", func() (any, error) {
		return c.connect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*InitializeResult), nil
}

func (c *Connection) connect(ctx context.Context) (*InitializeResult, error) {
	c.mu.Lock()
	old := c.proc
	if old != nil && c.init != nil && !old.closing() {
		init := c.init
		c.mu.Unlock()
		return init, nil
	}
	c.mu.Unlock()

	// The previous agent's stream is closed but it has not been reaped yet.
	if old != nil {
		old.terminate("agent stream closed")
		if err := old.awaitExit(ctx); err != nil {
			return nil, err
		}
	}

	p, err := c.spawn(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		p.terminate("disposed during connect")
		return nil, ErrDisposed
	}
	c.proc = p
	c.mu.Unlock()

	init, err := c.initialize(ctx, p)
	if err != nil {
		c.logger.Warn("initialize handshake failed", zap.Error(err))
		c.detach(p)
		p.terminate("initialize failed")
		return nil, err
	}

	c.mu.Lock()
	if c.proc != p {
		c.mu.Unlock()
		return nil, &jsonrpc.CallError{Method: jsonrpc.MethodInitialize, Kind: jsonrpc.KindTransport, Err: &jsonrpc.ClosedError{Reason: "agent exited during initialize"}}
	}
	c.init = init
	c.mu.Unlock()

	c.logger.Info("agent connected",
		zap.Int("pid", p.pid()),
		zap.String("protocol_version", string(init.ProtocolVersion)),
		zap.Int("auth_methods", len(init.AuthMethods)))
	c.emit(events.Initialized, ConnectedEvent{
		ProtocolVersion: init.ProtocolVersion,
		AuthMethods:     init.AuthMethods,
		Adapter:         c.profile.ID,
		PID:             p.pid(),
	})
	return init, nil
}

// detach forgets p if it is still the live process.
func (c *Connection) detach(p *process) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc != p {
		return false
	}
	c.proc = nil
	c.init = nil
	return true
}

func (c *Connection) live() (*process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil, ErrDisposed
	}
	if c.proc == nil {
		return nil, ErrNotConnected
	}
	return c.proc, nil
}

// Dispose rejects every pending request, kills the agent and its terminals,
// and detaches the event sink. The connection cannot be reused afterwards.
func (c *Connection) Dispose(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	p := c.proc
	c.proc = nil
	c.init = nil
	c.mu.Unlock()

	var err error
	if p != nil {
		p.terminate("disposed")
		err = p.awaitExit(ctx)
	}
	c.perms.clear()

	c.sinkMu.Lock()
	c.sink = events.Nop
	c.sinkMu.Unlock()

	c.logger.Info("connection disposed")
	return err
}
