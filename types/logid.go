package types

import "github.com/google/uuid"

// LogID is the per-database identity assigned at first creation and
// preserved across restarts (spec §3 glossary: "Log ID"). It is stored as a
// uuid so that two databases that happen to share a directory layout after
// a botched restore are still distinguishable.
type LogID [16]byte

// NewLogID allocates a fresh, random LogID for a database created for the
// first time.
func NewLogID() LogID {
	return LogID(uuid.New())
}

// String renders the LogID in canonical uuid form.
func (id LogID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether this is the unset LogID, which is never a valid
// identity for an opened database.
func (id LogID) IsZero() bool {
	return id == LogID{}
}
