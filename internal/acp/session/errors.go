package session

import (
	"encoding/json"

	"github.com/kandev/acphost/internal/acp/conn"
)

// AuthRequiredError is returned by Prompt when the agent demands
// authentication. AuthMethods lists what Authenticate accepts.
type AuthRequiredError struct {
	Message     string            `json:"message"`
	AuthMethods []conn.AuthMethod `json:"auth_methods"`
	Cause       error             `json:"-"`
}

func (e *AuthRequiredError) Error() string {
	return "authentication required: " + e.Message
}

func (e *AuthRequiredError) Unwrap() error { return e.Cause }

// MarshalJSON adds the auth_required flag clients switch on.
func (e *AuthRequiredError) MarshalJSON() ([]byte, error) {
	methods := e.AuthMethods
	if methods == nil {
		methods = []conn.AuthMethod{}
	}
	return json.Marshal(struct {
		AuthRequired bool              `json:"auth_required"`
		Message      string            `json:"message"`
		AuthMethods  []conn.AuthMethod `json:"auth_methods"`
	}{true, e.Message, methods})
}
