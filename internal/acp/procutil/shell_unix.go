//go:build !windows

package procutil

import (
	"path/filepath"
	"strings"
)

// ShellExecArgs returns the program and arguments that run command through
// the system shell: sh -lc "command".
func ShellExecArgs(command string) (prog string, args []string) {
	return "sh", []string{"-lc", command}
}

// PrefersShell reports whether command should go through the shell first.
// Commands containing shell syntax do; plain executables do not.
func PrefersShell(command string) bool {
	return strings.ContainsAny(filepath.Base(command), " |&;<>()$`*?~")
}

func quoteArg(a string) string {
	if a == "" {
		return "''"
	}
	if !strings.ContainsAny(a, " \t\n'\"\\|&;<>()$`*?~#") {
		return a
	}
	return "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
}
