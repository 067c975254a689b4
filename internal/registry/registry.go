// Package registry persists volume metadata so the plugin can survive
// restarts: which image backs which volume, how it was created, and which
// partition gets mounted.
package registry

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a volume does not exist in the registry
var ErrNotFound = errors.New("volume not found")

// Volume is the persisted record of a managed volume
type Volume struct {
	Name       string    `json:"name"`
	Image      string    `json:"image"`
	Format     string    `json:"format"`
	Filesystem string    `json:"filesystem"`
	Partition  int       `json:"partition"`
	SizeBytes  uint64    `json:"size_bytes"`
	// Adopted images existed before the volume and are never deleted on Remove
	Adopted   bool      `json:"adopted"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists volume records
type Store interface {
	// Get returns the volume with the given name, or ErrNotFound
	Get(name string) (*Volume, error)
	// Put stores or replaces a volume record
	Put(v *Volume) error
	// Delete removes a volume record. Deleting a missing record is not an
	// error.
	Delete(name string) error
	// List returns all volume records sorted by name
	List() ([]Volume, error)
	Close() error
}
