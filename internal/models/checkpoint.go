package models

import "time"

// Checkpoint is the incremental sync cursor of one provider collection.
type Checkpoint struct {
	Provider    string
	Collection  string
	Token       string
	LastSuccess time.Time
}

// Credential is the persisted OAuth2 state of one provider.
type Credential struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	Account      string
	UpdatedAt    time.Time
}
