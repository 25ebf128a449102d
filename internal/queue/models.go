package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a queue item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// DaemonStopReason is recorded when a running item is interrupted by
// shutdown and returned to pending.
const DaemonStopReason = "Daemon stopped"

var allStatuses = []Status{StatusPending, StatusRunning, StatusSucceeded, StatusFailed}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, s := range allStatuses {
		if s == normalized {
			return s, true
		}
	}
	return "", false
}

// IsTerminal reports whether no worker will touch the item again without an
// operator retry or a new intake file.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Item is one case in the processing queue.
type Item struct {
	ID            int64
	CaseID        string
	Modality      string
	SourcePath    string
	Status        Status
	Stage         string
	Attempts      int
	ErrorMessage  string
	ArchivePath   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	LastHeartbeat *time.Time
}

// Elapsed returns how long the most recent run took, or has taken so far.
func (i Item) Elapsed(now time.Time) time.Duration {
	if i.StartedAt == nil {
		return 0
	}
	end := now
	if i.FinishedAt != nil {
		end = *i.FinishedAt
	}
	return end.Sub(*i.StartedAt)
}

// HealthSummary describes aggregated queue counts.
type HealthSummary struct {
	Total     int
	Pending   int
	Running   int
	Succeeded int
	Failed    int
}

// DatabaseHealth captures diagnostic information about the queue database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	IntegrityCheck   bool
	TotalItems       int
	Error            string
}

// ReconcileResult counts the repairs made at startup. Repairs lists the
// cases that reached a terminal state so other stores can follow.
type ReconcileResult struct {
	Reset     int
	Recovered int
	Orphaned  int
	Repairs   []Repair
}

// Repair is one case that Reconcile moved to a terminal status.
type Repair struct {
	CaseID      string
	Status      Status
	Reason      string
	ArchivePath string
}
