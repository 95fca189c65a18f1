package db

import (
	"context"
	"errors"

	"github.com/mattn/go-sqlite3"
)

// Class partitions storage failures into the two outcomes callers care
// about: errors worth retrying and errors that must surface immediately.
type Class int

const (
	// ClassFatal covers schema violations, constraint failures, disk full,
	// permission errors and anything else a retry cannot fix.
	ClassFatal Class = iota

	// ClassTransient covers lock contention and transient disk I/O hiccups
	// from concurrent access by sibling collector processes.
	ClassTransient
)

// Classify reports whether a storage error is transient or fatal. The
// decision is made from the driver's structured error codes, never from
// error message text.
func Classify(err error) Class {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return ClassFatal
	}
	switch serr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
		return ClassTransient
	default:
		return ClassFatal
	}
}

// IsTransient reports whether the error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	// A cancelled context is a caller decision, not store contention.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return Classify(err) == ClassTransient
}
