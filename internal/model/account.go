// Package model defines the data structures used throughout the application.
package model

import "time"

// Account is a credential record held by the identity provider.
//
// An account is created either with an email + password (PasswordHash set)
// or through GitHub sign-in (GitHubID set). The UID is our own xid and is the
// key every per-identity record lives under (users/{uid}/...).
//
// WHY GitHubID *int64?
// Email/password accounts have no GitHub identity. A nil pointer maps to a
// NULL column, which keeps the UNIQUE constraint on github_id usable.
type Account struct {
	UID          string    `json:"uid"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	GitHubID     *int64    `json:"githubId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Identity is the authenticated principal a session is scoped to.
// It is issued by the identity provider and never mutated afterwards; a
// different identity means a full session transition.
type Identity struct {
	UID   string `json:"uid"`
	Email string `json:"email,omitempty"`
}

// Identity returns the identity this account signs in as.
func (a *Account) Identity() *Identity {
	return &Identity{UID: a.UID, Email: a.Email}
}
