package domain

import "errors"

var (
	// ErrAuthExpired indicates the bearer token was rejected by a backend.
	// Always resolved by sign-out plus redirect, never retried.
	ErrAuthExpired = errors.New("session expired")
	// ErrNoSession indicates no authenticated session is available.
	ErrNoSession = errors.New("no active session")
	// ErrProfileNotFound indicates the profile is absent by both lookup keys.
	ErrProfileNotFound = errors.New("profile not found")
)
