package models

import "time"

// Credentials is a token the user chose to remember for one engine.
type Credentials struct {
	BaseURL   string
	Username  string
	Token     string
	SavedAt   time.Time
	ExpiresAt *time.Time
}

// RecentProject is a project the user opened, with what was last seen of it.
type RecentProject struct {
	BaseURL       string
	ProjectID     string
	LastOpenedAt  time.Time
	TotalElements int64
	LastStatus    ExecutionStatus
	LastPrompt    string
}
