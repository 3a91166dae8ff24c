// Package persist provides a namespaced key-value store for state that
// must survive agent restarts: the external device id, the enrollment
// scope id, the last-completed workflow id, and the reboot/restart
// pending flags the update worker sets before asking the system
// controller to reboot. Adapted from the teacher's internal/opstate
// package, switched to the pure-Go modernc.org/sqlite driver so the
// agent binary stays cgo-free.
package persist

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Namespaces used by the agent. Exported so callers don't hand-roll
// namespace strings.
const (
	NamespaceDevice = "device"
	NamespaceUpdate = "update"
)

// Keys within NamespaceDevice and NamespaceUpdate.
const (
	KeyExternalDeviceID = "external_device_id"
	KeyScopeID           = "scope_id"

	KeyLastCompletedWorkflowID = "last_completed_workflow_id"
	KeyRebootPending           = "reboot_pending"
	KeyAgentRestartPending     = "agent_restart_pending"
)

// Store is a namespaced key-value store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open creates or opens a durable state store at the given database
// path. The schema is created automatically on first use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the stored value for a namespace/key pair. Returns empty
// string and nil error if the key does not exist.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM agent_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts a namespace/key/value triple.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO agent_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes a namespace/key entry. No error if the key does not
// exist.
func (s *Store) Delete(namespace, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM agent_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// GetBool is a convenience wrapper over Get for the pending-reboot style
// flags: any value equal to "true" is true, everything else (including
// an absent key) is false.
func (s *Store) GetBool(namespace, key string) (bool, error) {
	v, err := s.Get(namespace, key)
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// SetBool is a convenience wrapper over Set.
func (s *Store) SetBool(namespace, key string, v bool) error {
	if v {
		return s.Set(namespace, key, "true")
	}
	return s.Set(namespace, key, "false")
}

// ExternalDeviceID returns the persisted device id, or "" if unset.
func (s *Store) ExternalDeviceID() (string, error) {
	return s.Get(NamespaceDevice, KeyExternalDeviceID)
}

// SetExternalDeviceID persists the device id so a restart doesn't need
// to regenerate or re-resolve it.
func (s *Store) SetExternalDeviceID(id string) error {
	return s.Set(NamespaceDevice, KeyExternalDeviceID, id)
}

// ScopeID returns the service-issued enrollment scope id, or "" if the
// device has never successfully enrolled.
func (s *Store) ScopeID() (string, error) {
	return s.Get(NamespaceDevice, KeyScopeID)
}

// SetScopeID persists the scope id returned by a successful enrollment
// response.
func (s *Store) SetScopeID(scopeID string) error {
	return s.Set(NamespaceDevice, KeyScopeID, scopeID)
}

// LastCompletedWorkflowID returns the id of the most recently completed
// deployment workflow, used by the update worker's duplicate-workflow
// check (spec section 4.6, step 2).
func (s *Store) LastCompletedWorkflowID() (string, error) {
	return s.Get(NamespaceUpdate, KeyLastCompletedWorkflowID)
}

// SetLastCompletedWorkflowID records the id of a workflow that finished
// processing, whether it succeeded or failed.
func (s *Store) SetLastCompletedWorkflowID(id string) error {
	return s.Set(NamespaceUpdate, KeyLastCompletedWorkflowID, id)
}

// RebootPending reports whether a reboot was requested by the update
// worker but has not yet been observed as completed (spec section 4.6,
// "Reboot/restart hooks").
func (s *Store) RebootPending() (bool, error) {
	return s.GetBool(NamespaceUpdate, KeyRebootPending)
}

// SetRebootPending records or clears the reboot-pending flag.
func (s *Store) SetRebootPending(v bool) error {
	return s.SetBool(NamespaceUpdate, KeyRebootPending, v)
}

// AgentRestartPending reports whether the update worker asked for an
// agent-process restart that has not yet been observed as completed.
func (s *Store) AgentRestartPending() (bool, error) {
	return s.GetBool(NamespaceUpdate, KeyAgentRestartPending)
}

// SetAgentRestartPending records or clears the agent-restart-pending
// flag.
func (s *Store) SetAgentRestartPending(v bool) error {
	return s.SetBool(NamespaceUpdate, KeyAgentRestartPending, v)
}
