package storage

import (
	"errors"
	"time"

	"github.com/kalambet/exhibit/internal/evidence"
	"github.com/kalambet/exhibit/internal/ledger"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// EvidenceRecord is an archived summary of a completed job.
type EvidenceRecord struct {
	ID string
	ledger.Meta
	Summary    evidence.Summary
	ArchivedAt time.Time
}
