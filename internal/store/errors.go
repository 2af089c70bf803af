package store

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrConflictClosed = errors.New("conflict already resolved")
)
