package persistence

import (
	"context"
	"fmt"
	"testing"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		err    error
		expect bool
	}{
		{nil, false},
		{fmt.Errorf("some other error"), false},
		{fmt.Errorf("database is locked"), true},
		{fmt.Errorf("database table is locked"), true},
		{fmt.Errorf("SQLITE_BUSY (5)"), true},
		{fmt.Errorf("wrapped: database is locked"), true},
	}
	for _, tt := range tests {
		if got := isSQLiteBusy(tt.err); got != tt.expect {
			t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(fmt.Errorf("create story: UNIQUE constraint failed: stories.project_id, stories.story_key")) {
		t.Fatal("expected mattn message to match")
	}
	if !IsUniqueViolation(fmt.Errorf("constraint failed: UNIQUE constraint failed (2067)")) {
		t.Fatal("expected modernc message to match")
	}
	if IsUniqueViolation(fmt.Errorf("FOREIGN KEY constraint failed")) {
		t.Fatal("foreign key failure is not a unique violation")
	}
}

func TestRetryOnBusy_BusyThenSuccess(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnBusy_NonBusyErrorIsNotRetried(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		return fmt.Errorf("no such table")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected single failing call, got calls=%d err=%v", calls, err)
	}
}

func TestRetryOnBusy_ExhaustedRetries(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 2, func() error {
		calls++
		return fmt.Errorf("database is locked")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := placeholders(3); got != "?, ?, ?" {
		t.Fatalf("placeholders(3) = %q", got)
	}
	if got := placeholders(0); got != "" {
		t.Fatalf("placeholders(0) = %q", got)
	}
}
