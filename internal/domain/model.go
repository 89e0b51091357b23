package domain

import "time"

// Model is a registered benchmark participant. Immutable once created.
type Model struct {
	ID        string
	Name      string
	Subdomain string
	Enabled   bool
	CreatedAt time.Time
}
