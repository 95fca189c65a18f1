package db

import (
	"context"
	"database/sql"
	"log"
	"strconv"
	"time"
)

// CheckAccessible reports whether the store can be reached right now. It
// opens a throwaway connection with a short busy timeout and runs a trivial
// read, so a heavy writer elsewhere shows up as "not accessible" instead of
// blocking the caller for the full 30s production timeout. mode=rw keeps the
// probe from creating an empty store: a file that does not exist yet is not
// accessible.
func CheckAccessible(path string, timeout time.Duration) bool {
	ms := timeout.Milliseconds()
	if ms <= 0 {
		ms = 1000
	}
	dsn := "file:" + path + "?mode=rw&_busy_timeout=" + strconv.FormatInt(ms, 10)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return false
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var one int
	if err := conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		log.Printf("WARN: store not accessible: %v", err)
		return false
	}
	return true
}

// WaitUntilAccessible polls the store until it answers or maxWait elapses.
// Callers use it before starting a longer unit of work so they do not begin
// a run that is doomed to hit the busy timeout.
func WaitUntilAccessible(ctx context.Context, path string, maxWait, interval time.Duration) bool {
	deadline := time.Now().Add(maxWait)
	for {
		if CheckAccessible(path, 2*time.Second) {
			return true
		}
		if time.Now().After(deadline) {
			log.Printf("WARN: timeout waiting for store after %s", maxWait)
			return false
		}
		log.Printf("INFO: waiting for store to become available...")

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}
