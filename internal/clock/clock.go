// Package clock provides the time and identifier capability injected through the
// orchestrator so that every timestamp and generated id in the core flows through
// one seam, keeping tests deterministic.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock provides now(), nowIso(), newRunId() and newVersionStamp() as specified
// for the run orchestrator. Implementations must be safe for concurrent use.
type Clock interface {
	// Now returns the current instant.
	Now() time.Time
	// NowISO returns the current instant formatted as RFC3339 in UTC.
	NowISO() string
	// NewRunID returns a fresh run identifier.
	NewRunID() string
	// NewVersionStamp returns a fresh, lexically-ordered VersionStamp safe for
	// use in object store keys (no ":").
	NewVersionStamp() string
}

// System is the production Clock backed by wall-clock time and uuid v4 ids.
type System struct{}

var _ Clock = System{}

// New returns the production Clock.
func New() System {
	return System{}
}

func (System) Now() time.Time {
	return time.Now().UTC()
}

func (s System) NowISO() string {
	return s.Now().Format(time.RFC3339Nano)
}

func (System) NewRunID() string {
	return uuid.NewString()
}

// versionStampLayout avoids ":" so the stamp is safe to embed verbatim in an
// object store key; VersionStamps are globally ordered by lexical compare.
const versionStampLayout = "20060102T150405.000000000Z"

func (s System) NewVersionStamp() string {
	return s.Now().Format(versionStampLayout)
}
