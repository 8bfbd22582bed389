package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInvalidSignal       = errors.New("invalid signal: payload absent")
	ErrInvalidOrder        = errors.New("invalid order parameters")
	ErrNoHandle            = errors.New("gateway returned no order handle")
	ErrNoMarket            = errors.New("no market price")
	ErrPositionUnprotected = errors.New("position unprotected")
	ErrMalformedCommand    = errors.New("malformed command")
	ErrUnknownAction       = errors.New("unknown action")
	ErrUnknownAccount      = errors.New("unknown account")
	ErrLockHeld            = errors.New("lock already held")
	ErrConnClosed          = errors.New("connection closed")
)
