//go:build windows

package procutil

import "os"

func signalName(*os.ProcessState) (string, bool) { return "", false }
