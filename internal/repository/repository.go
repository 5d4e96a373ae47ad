// Package repository provides gorm-backed persistence for the catalog
// (studies, series, instances), the destination registry, and the durable
// job queues (generic jobs and forward jobs). Every repository method takes
// a context and wraps underlying errors with the operation name.
package repository

import "errors"

// ErrNotFound is returned by GetByID-style lookups when no row matches.
var ErrNotFound = errors.New("repository: not found")

// ListOptions bounds a paginated List query.
type ListOptions struct {
	Limit  int
	Offset int
}
