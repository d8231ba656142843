// Package domain contains core domain types for the fragments service.
package domain

import (
	"time"
)

// Project groups a conversation and the fragments generated for it.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
