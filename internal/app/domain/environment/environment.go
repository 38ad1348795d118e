// Package environment defines the Environment aggregate: a live, isolated
// namespace cloned from a Template, bound to a bearer token and a lifetime.
package environment

import "time"

// Status enumerates the lifecycle states of an Environment.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusDeleted Status = "deleted"
)

// Environment is a provisioned, isolated clone of a Template's schema and
// seed data, scoped to a dedicated Postgres schema (NamespaceName).
type Environment struct {
	ID            string    `json:"id"`
	TemplateID    string    `json:"template_id"`
	NamespaceName string    `json:"namespace_name"`
	Status        Status    `json:"status"`
	SchemaVersion int64     `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// Expired reports whether the environment's TTL has elapsed as of now.
func (e Environment) Expired(now time.Time) bool {
	return e.Status == StatusActive && !e.ExpiresAt.After(now)
}
