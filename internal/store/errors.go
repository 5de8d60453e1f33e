package store

import "errors"

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict indicates a uniqueness violation, e.g. two clients racing
	// to create the same room token.
	ErrConflict = errors.New("store: conflict")

	// ErrClosed indicates the store or subscription has been closed.
	ErrClosed = errors.New("store: closed")
)
