package world

import (
	"fmt"
	"strings"
	"time"
)

// LockState is the lifecycle state of a cycle lock.
type LockState string

const (
	LockRunning  LockState = "running"
	LockComplete LockState = "complete"
	LockFailed   LockState = "failed"
)

func ParseLockState(s string) (LockState, error) {
	switch LockState(strings.ToLower(strings.TrimSpace(s))) {
	case LockRunning:
		return LockRunning, nil
	case LockComplete:
		return LockComplete, nil
	case LockFailed:
		return LockFailed, nil
	default:
		return "", fmt.Errorf("invalid lock state: %q", s)
	}
}

// Terminal reports whether s ends a lock's lifecycle.
func (s LockState) Terminal() bool {
	return s == LockComplete || s == LockFailed
}

// CycleLock guards one day's processing. Processed only ever grows.
type CycleLock struct {
	ID          string     `json:"id"`
	Day         int        `json:"day"`
	State       LockState  `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Processed   []string   `json:"processed"`
}

// HasProcessed reports whether characterID is already recorded on the lock.
func (l CycleLock) HasProcessed(characterID string) bool {
	for _, id := range l.Processed {
		if id == characterID {
			return true
		}
	}
	return false
}
