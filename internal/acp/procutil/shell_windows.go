//go:build windows

package procutil

import (
	"path/filepath"
	"strings"
)

// ShellExecArgs returns the program and arguments that run command through
// the system shell: cmd /c "command".
func ShellExecArgs(command string) (prog string, args []string) {
	return "cmd", []string{"/c", command}
}

// PrefersShell reports whether command should go through the shell first.
// Script shims (.cmd, .bat) and npm launchers cannot be started directly.
func PrefersShell(command string) bool {
	ext := strings.ToLower(filepath.Ext(command))
	if ext == ".cmd" || ext == ".bat" || ext == ".ps1" {
		return true
	}
	switch strings.ToLower(strings.TrimSuffix(filepath.Base(command), filepath.Ext(command))) {
	case "npx", "npm", "pnpm", "yarn", "bunx":
		return true
	}
	return strings.ContainsAny(command, " &|<>^")
}

func quoteArg(a string) string {
	if a == "" {
		return `""`
	}
	if !strings.ContainsAny(a, " \t\"&|<>^") {
		return a
	}
	return `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
}
