package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/acphost/internal/acp/procutil"
	"github.com/kandev/acphost/internal/acp/terminal"
	"github.com/kandev/acphost/internal/events"
	"github.com/kandev/acphost/pkg/acp/jsonrpc"
)

const stderrTailLines = 20

// process is one running agent with its RPC peer and terminals.
type process struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	rpc      *jsonrpc.Conn
	mux      *terminal.Multiplexer
	viaShell bool

	exited chan struct{}
	status procutil.ExitStatus

	tailMu sync.Mutex
	tail   []string

	termOnce sync.Once
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) addStderr(line string) {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	p.tail = append(p.tail, line)
	if len(p.tail) > stderrTailLines {
		p.tail = p.tail[len(p.tail)-stderrTailLines:]
	}
}

func (p *process) stderrTail() string {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	return strings.Join(p.tail, "\n")
}

// terminate rejects pending calls first, then kills the process group.
func (p *process) terminate(reason string) {
	p.termOnce.Do(func() {
		p.rpc.Close(reason)
		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			if err := procutil.KillProcessGroup(p.cmd.Process.Pid); err != nil {
				_ = p.cmd.Process.Kill()
			}
		}
	})
}

// closing reports whether the agent's stream has ended.
func (p *process) closing() bool {
	select {
	case <-p.rpc.Done():
		return true
	default:
		return false
	}
}

func (p *process) awaitExit(ctx context.Context) error {
	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// launchError reports that the process could not be started at all.
type launchError struct{ err error }

func (e *launchError) Error() string { return e.err.Error() }
func (e *launchError) Unwrap() error { return e.err }

// spawn launches the agent with the strategy its command suggests and, if
// the process cannot be started, once more with the other strategy. An agent
// that starts and then dies inside the grace window is reported as is.
func (c *Connection) spawn(ctx context.Context) (*process, error) {
	if strings.TrimSpace(c.opts.Command) == "" {
		return nil, fmt.Errorf("agent command is required")
	}
	viaShell := procutil.PrefersShell(c.opts.Command)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		p, err := c.start(ctx, viaShell)
		if err == nil {
			return p, nil
		}
		lastErr = err
		c.logger.Warn("agent launch failed",
			zap.Bool("via_shell", viaShell),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		var launchErr *launchError
		if !errors.As(err, &launchErr) || ctx.Err() != nil {
			break
		}
		viaShell = !viaShell
	}
	return nil, lastErr
}

func (c *Connection) start(ctx context.Context, viaShell bool) (*process, error) {
	var cmd *exec.Cmd
	if viaShell {
		prog, args := procutil.ShellExecArgs(procutil.QuoteCommandLine(c.opts.Command, c.opts.Args))
		cmd = exec.Command(prog, args...)
	} else {
		cmd = exec.Command(c.opts.Command, c.opts.Args...)
	}
	cmd.Dir = c.opts.Cwd
	cmd.Env = procutil.MergeEnv(c.opts.Env)
	procutil.SetProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &launchError{fmt.Errorf("failed to start agent %q: %w", c.opts.Command, err)}
	}

	p := &process{
		cmd:      cmd,
		stdin:    stdin,
		viaShell: viaShell,
		exited:   make(chan struct{}),
	}
	p.mux = terminal.New(events.SinkFunc(c.emit), c.logger,
		terminal.WithDefaultOutputLimit(c.opts.OutputByteLimit))
	p.rpc = jsonrpc.NewConn(stdin, c.profile.Framing, &dispatcher{c: c, p: p}, c.logger)

	c.logger.Info("agent process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.Bool("via_shell", viaShell),
		zap.String("framing", c.profile.Framing.String()),
		zap.String("cwd", c.opts.Cwd))

	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		if err := p.rpc.Serve(stdout); err != nil {
			c.logger.Debug("agent stdout read error", zap.Error(err))
		}
	}()
	go func() {
		defer streams.Done()
		c.readStderr(p, stderr)
	}()
	go c.waitForExit(p, &streams)

	select {
	case <-p.exited:
		msg := fmt.Sprintf("agent exited during startup (exit code %d", p.status.Code())
		if sig := p.status.SignalName(); sig != "" {
			msg += ", signal " + sig
		}
		msg += ")"
		if tail := p.stderrTail(); tail != "" {
			msg += ": " + tail
		}
		return nil, fmt.Errorf("%s", msg)
	case <-time.After(c.opts.SpawnGrace):
		return p, nil
	case <-ctx.Done():
		p.terminate("connect cancelled")
		return nil, ctx.Err()
	}
}

// StderrEvent carries one line the agent wrote to stderr.
type StderrEvent struct {
	Line string `json:"line"`
}

func (c *Connection) readStderr(p *process, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.addStderr(line)
		c.logger.Debug("agent stderr", zap.String("line", line))
		c.emit(events.AgentStderr, StderrEvent{Line: line})
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug("stderr reader error", zap.Error(err))
	}
}

// ExitEvent is emitted when a connected agent process ends.
type ExitEvent struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// waitForExit reaps the process once both pipes are drained, rejects
// whatever is still pending and reports the exit.
func (c *Connection) waitForExit(p *process, streams *sync.WaitGroup) {
	streams.Wait()
	err := p.cmd.Wait()
	p.status = procutil.StatusFromWait(p.cmd.ProcessState, err)
	p.rpc.Close("agent exited")
	defer close(p.exited)

	wasLive := c.detach(p)
	c.perms.dropOwner(p)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := p.mux.Shutdown(shutdownCtx); err != nil {
		c.logger.Warn("terminal shutdown failed", zap.Error(err))
	}
	cancel()

	c.logger.Info("agent process exited",
		zap.Int("exit_code", p.status.Code()),
		zap.String("signal", p.status.SignalName()),
		zap.Bool("was_connected", wasLive))
	if wasLive || c.isDisposed() {
		c.emit(events.AgentExit, ExitEvent{ExitCode: p.status.ExitCode, Signal: p.status.Signal})
	}
}

func (c *Connection) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}
