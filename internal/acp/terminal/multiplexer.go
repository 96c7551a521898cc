// Package terminal runs the child processes an agent asks for through
// terminal/create and keeps their output in bounded buffers.
package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/acphost/internal/acp/procutil"
	"github.com/kandev/acphost/internal/common/logger"
	"github.com/kandev/acphost/internal/events"
)

// ErrNotFound is returned for ids that were never issued or were released.
var ErrNotFound = errors.New("terminal not found")

// alignWindow is how far into the retained buffer a line break is looked for
// after a front trim.
const alignWindow = 64

// CreateRequest describes a terminal to start.
type CreateRequest struct {
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
	// OutputByteLimit bounds the retained output. Nil uses the multiplexer
	// default; zero or negative means unbounded.
	OutputByteLimit *int
}

// Output is a snapshot of a terminal's buffer.
type Output struct {
	Output     string               `json:"output"`
	Truncated  bool                 `json:"truncated"`
	ExitStatus *procutil.ExitStatus `json:"exitStatus,omitempty"`
}

// OutputEvent is emitted for every chunk read from a terminal.
type OutputEvent struct {
	TerminalID string `json:"terminalId"`
	Stream     string `json:"stream"`
	Data       string `json:"data"`
}

// ExitEvent is emitted once when a terminal's process ends.
type ExitEvent struct {
	TerminalID string  `json:"terminalId"`
	ExitCode   *int    `json:"exitCode,omitempty"`
	Signal     *string `json:"signal,omitempty"`
}

type terminal struct {
	id      string
	command string
	cmd     *exec.Cmd

	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
	exit      *procutil.ExitStatus
	exited    chan struct{}
}

// append adds a chunk and trims the front when the limit is exceeded: the
// overflow is dropped, then the buffer is advanced past the first line break
// within alignWindow bytes so it starts on a line.
func (t *terminal) append(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if t.limit <= 0 || len(t.buf) <= t.limit {
		return
	}
	t.truncated = true
	t.buf = t.buf[len(t.buf)-t.limit:]

	window := t.buf
	if len(window) > alignWindow {
		window = window[:alignWindow]
	}
	if i := bytes.IndexByte(window, '\n'); i >= 0 {
		t.buf = t.buf[i+1:]
	}
	if cap(t.buf) > 2*t.limit+4096 {
		t.buf = append(make([]byte, 0, len(t.buf)), t.buf...)
	}
}

func (t *terminal) snapshot() Output {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := Output{Output: string(t.buf), Truncated: t.truncated}
	if t.exit != nil {
		status := *t.exit
		out.ExitStatus = &status
	}
	return out
}

func (t *terminal) setExit(status procutil.ExitStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exit != nil {
		return false
	}
	t.exit = &status
	close(t.exited)
	return true
}

func (t *terminal) running() bool {
	select {
	case <-t.exited:
		return false
	default:
		return true
	}
}

// Multiplexer owns every terminal created for one agent connection.
type Multiplexer struct {
	mu           sync.Mutex
	nextID       int
	terminals    map[string]*terminal
	sink         events.Sink
	logger       *logger.Logger
	defaultLimit int
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithDefaultOutputLimit applies limit to terminals created without one.
func WithDefaultOutputLimit(limit int) Option {
	return func(m *Multiplexer) { m.defaultLimit = limit }
}

// New returns an empty multiplexer reporting through sink.
func New(sink events.Sink, log *logger.Logger, opts ...Option) *Multiplexer {
	if sink == nil {
		sink = events.Nop
	}
	m := &Multiplexer{
		terminals: make(map[string]*terminal),
		sink:      sink,
		logger:    logger.Or(log).WithFields(zap.String("component", "terminal-mux")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create starts a process and returns its id (term_1, term_2, ...).
func (m *Multiplexer) Create(req CreateRequest) (string, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return "", fmt.Errorf("terminal command is required")
	}

	var cmd *exec.Cmd
	if len(req.Args) == 0 && procutil.PrefersShell(command) {
		prog, args := procutil.ShellExecArgs(command)
		cmd = exec.Command(prog, args...)
	} else {
		cmd = exec.Command(command, req.Args...)
	}
	cmd.Dir = req.Cwd
	cmd.Env = procutil.MergeEnv(req.Env)
	procutil.SetProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start %q: %w", command, err)
	}

	limit := m.defaultLimit
	if req.OutputByteLimit != nil {
		limit = *req.OutputByteLimit
	}

	m.mu.Lock()
	m.nextID++
	t := &terminal{
		id:      "term_" + strconv.Itoa(m.nextID),
		command: procutil.QuoteCommandLine(command, req.Args),
		cmd:     cmd,
		limit:   limit,
		exited:  make(chan struct{}),
	}
	m.terminals[t.id] = t
	m.mu.Unlock()

	m.logger.Debug("terminal started",
		zap.String("terminal_id", t.id),
		zap.String("command", t.command),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("output_byte_limit", limit))

	var readers sync.WaitGroup
	readers.Add(2)
	go m.readOutput(t, stdout, "stdout", &readers)
	go m.readOutput(t, stderr, "stderr", &readers)
	go m.wait(t, &readers)

	return t.id, nil
}

func (m *Multiplexer) readOutput(t *terminal, r io.Reader, stream string, wg *sync.WaitGroup) {
	defer wg.Done()
	data := make([]byte, 4096)
	for {
		n, err := r.Read(data)
		if n > 0 {
			chunk := data[:n]
			t.append(chunk)
			m.sink.Emit(events.TerminalOutput, OutputEvent{TerminalID: t.id, Stream: stream, Data: string(chunk)})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Debug("terminal output read error", zap.String("terminal_id", t.id), zap.Error(err))
			}
			return
		}
	}
}

// wait drains both pipes before reaping the process so the buffer is
// complete when the exit status becomes visible.
func (m *Multiplexer) wait(t *terminal, readers *sync.WaitGroup) {
	readers.Wait()
	err := t.cmd.Wait()
	status := procutil.StatusFromWait(t.cmd.ProcessState, err)
	if !t.setExit(status) {
		return
	}
	m.logger.Debug("terminal exited",
		zap.String("terminal_id", t.id),
		zap.Int("exit_code", status.Code()),
		zap.String("signal", status.SignalName()))
	m.sink.Emit(events.TerminalExit, ExitEvent{TerminalID: t.id, ExitCode: status.ExitCode, Signal: status.Signal})
}

func (m *Multiplexer) get(id string) (*terminal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terminals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// Output returns the buffered output, the truncation flag and the exit status if known.
func (m *Multiplexer) Output(id string) (Output, error) {
	t, err := m.get(id)
	if err != nil {
		return Output{}, err
	}
	return t.snapshot(), nil
}

// Kill stops the process. The terminal stays queryable until released.
func (m *Multiplexer) Kill(id string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	return m.kill(t)
}

func (m *Multiplexer) kill(t *terminal) error {
	if !t.running() {
		return nil
	}
	if err := procutil.KillProcessGroup(t.cmd.Process.Pid); err != nil {
		if killErr := t.cmd.Process.Kill(); killErr != nil && t.running() {
			return fmt.Errorf("kill %s: %w", t.id, err)
		}
	}
	return nil
}

// Release kills the process if it is still running and forgets the terminal.
func (m *Multiplexer) Release(id string) error {
	m.mu.Lock()
	t, ok := m.terminals[id]
	delete(m.terminals, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.kill(t)
}

// WaitForExit blocks until the process has exited.
func (m *Multiplexer) WaitForExit(ctx context.Context, id string) (procutil.ExitStatus, error) {
	t, err := m.get(id)
	if err != nil {
		return procutil.ExitStatus{}, err
	}
	select {
	case <-t.exited:
		return *t.snapshot().ExitStatus, nil
	case <-ctx.Done():
		return procutil.ExitStatus{}, ctx.Err()
	}
}

// IDs returns the ids of all unreleased terminals in creation order.
func (m *Multiplexer) IDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.terminals))
	for id := range m.terminals {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(strings.TrimPrefix(ids[i], "term_"))
		b, _ := strconv.Atoi(strings.TrimPrefix(ids[j], "term_"))
		return a < b
	})
	return ids
}

// Shutdown kills every running terminal and waits briefly for each to be
// reaped. Buffers remain readable until released.
func (m *Multiplexer) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*terminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		all = append(all, t)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range all {
		t := t
		g.Go(func() error {
			if err := m.kill(t); err != nil {
				return err
			}
			select {
			case <-t.exited:
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
				m.logger.Warn("terminal did not exit after kill", zap.String("terminal_id", t.id))
			}
			return nil
		})
	}
	return g.Wait()
}
