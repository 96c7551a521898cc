// Command mock-agent is a scriptable ACP agent on stdio for manual testing.
// Behaviour is selected with ACPHOST_MOCK_* environment variables.
package main

import (
	"os"

	"github.com/kandev/acphost/internal/acp/mockagent"
)

func main() {
	os.Exit(mockagent.Main())
}
