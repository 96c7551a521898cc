// Package procutil holds the process-launch helpers shared by the agent
// connection and the terminal multiplexer.
package procutil

import (
	"errors"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// ExitStatus is how a process ended: an exit code, or the signal that killed it.
type ExitStatus struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// Code returns a pointer-free view for logging.
func (s ExitStatus) Code() int {
	if s.ExitCode != nil {
		return *s.ExitCode
	}
	return -1
}

// SignalName returns the signal name or "".
func (s ExitStatus) SignalName() string {
	if s.Signal != nil {
		return *s.Signal
	}
	return ""
}

// StatusFromWait converts the result of cmd.Wait into an ExitStatus.
func StatusFromWait(state *os.ProcessState, err error) ExitStatus {
	if state == nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			state = exitErr.ProcessState
		}
	}
	if state == nil {
		code := 1
		return ExitStatus{ExitCode: &code}
	}
	if sig, ok := signalName(state); ok {
		return ExitStatus{Signal: &sig}
	}
	code := state.ExitCode()
	return ExitStatus{ExitCode: &code}
}

// MergeEnv overlays extra KEY=VALUE pairs on the current environment.
// npm lifecycle variables are dropped so npx-launched agents do not warn.
func MergeEnv(extra map[string]string) []string {
	base := make(map[string]string, len(os.Environ())+len(extra))
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || isNpmEnvVar(key) {
			continue
		}
		base[key] = value
	}
	for k, v := range extra {
		base[k] = v
	}

	keys := make([]string, 0, len(base))
	for k := range base {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	merged := make([]string, 0, len(keys))
	for _, k := range keys {
		merged = append(merged, k+"="+base[k])
	}
	return merged
}

// ParseEnvList turns KEY=VALUE entries into a map. Entries without '=' are skipped.
func ParseEnvList(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		if key, value, ok := strings.Cut(entry, "="); ok && key != "" {
			out[key] = value
		}
	}
	return out
}

func isNpmEnvVar(key string) bool {
	for _, prefix := range []string{"npm_config_", "npm_package_", "npm_lifecycle_", "npm_execpath", "npm_node_execpath"} {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// QuoteCommandLine joins a command and its arguments for a shell.
func QuoteCommandLine(command string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, command)
	for _, a := range args {
		parts = append(parts, quoteArg(a))
	}
	return strings.Join(parts, " ")
}
