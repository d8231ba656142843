package domain

import (
	"time"
)

// Fragment is the persisted artifact of a successful invocation: the
// generated files plus a preview URL, linked to one assistant message.
type Fragment struct {
	ID         string            `json:"id"`
	MessageID  string            `json:"message_id"`
	SandboxURL string            `json:"sandbox_url"`
	Title      string            `json:"title"`
	Files      map[string]string `json:"files"`
	Digest     string            `json:"digest"`
	CreatedAt  time.Time         `json:"created_at"`
}
