package store

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrDuplicateID = errors.New("duplicate appointment id")
)
