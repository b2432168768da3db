package model

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("already exists")
	ErrDuplicateScan     = errors.New("student already has an accepted scan for this session")
	ErrForbidden         = errors.New("actor is not allowed to perform this action")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrReasonRequired    = errors.New("reason is required")
	ErrSessionClosed     = errors.New("session is not active")
	ErrInvalidInput      = errors.New("invalid input")
)
