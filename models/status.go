package models

import (
	"fmt"
	"strings"
)

// WorkStatus is the lifecycle state of a WorkItem.
type WorkStatus string

const (
	StatusPending    WorkStatus = "pending"
	StatusProcessing WorkStatus = "processing"
	StatusCompleted  WorkStatus = "completed"
	StatusFailed     WorkStatus = "failed"
	StatusRetry      WorkStatus = "retry"
	StatusCancelled  WorkStatus = "cancelled"
)

// AllStatuses in display order.
var AllStatuses = []WorkStatus{
	StatusPending, StatusRetry, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled,
}

// DispatchableStatuses are the states nextBatch draws from.
var DispatchableStatuses = []WorkStatus{StatusPending, StatusRetry}

// transitions lists every legal edge. Retry is operator-initiated only and
// lands on pending; completed -> pending forces a regeneration.
var transitions = map[WorkStatus][]WorkStatus{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusRetry:      {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusPending},
	StatusCompleted:  {StatusPending},
	StatusCancelled:  {},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to WorkStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every state that may move to the given target.
func SourcesOf(to WorkStatus) []WorkStatus {
	var out []WorkStatus
	for _, from := range AllStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func (s WorkStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no dispatcher will touch the item again
// without an operator action.
func (s WorkStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus parses a status filter value.
func ParseStatus(v string) (WorkStatus, error) {
	s := WorkStatus(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// Priority orders work within the queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank is the sortable form of the priority; higher dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

// ParsePriority accepts high, medium, low and the legacy "normal" (same as low).
// An empty value defaults to medium.
func ParsePriority(v string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return PriorityMedium, nil
	case "high", "urgent":
		return PriorityHigh, nil
	case "medium":
		return PriorityMedium, nil
	case "low", "normal":
		return PriorityLow, nil
	}
	return "", fmt.Errorf("unknown priority %q", v)
}
