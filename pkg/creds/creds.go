// Package creds is the connector/credential store: a key-value lookup of
// target hostname to upstream session credentials. Task executors consult
// it when establishing upstream sessions; the dispatch core treats it as
// an opaque lookup.
package creds

import "errors"

// Entry holds the credentials for one upstream system.
type Entry struct {
	Hostname string `json:"hostname"`
	Username string `json:"username"`
	Password string `json:"password"`
	Enabled  bool   `json:"enabled"`
}

// ErrNotFound is returned by Lookup when no entry exists for a hostname.
var ErrNotFound = errors.New("creds: connector not found")

// Store is the credential store interface.
type Store interface {
	// Lookup returns the entry for hostname or ErrNotFound.
	Lookup(hostname string) (Entry, error)
	// Put creates or replaces an entry.
	Put(e Entry) error
	// Delete removes an entry; deleting a missing entry is not an error.
	Delete(hostname string) error
	// List returns all entries ordered by hostname.
	List() ([]Entry, error)
	Close() error
}
