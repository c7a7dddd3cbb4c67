package cache

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// stubChecker rejects any script containing the word "tampered".
type stubChecker struct{}

func (stubChecker) Check(_ context.Context, source string, _ []string) error {
	if strings.Contains(source, "tampered") {
		return errors.New("blocked pattern: tampered")
	}
	return nil
}

func TestSweepQuarantinesInvalidEntries(t *testing.T) {
	s := newTestStore(t)

	good := testArtifact("fp000000000000a1")
	if err := s.Put(good); err != nil {
		t.Fatal(err)
	}
	bad := testArtifact("fp000000000000a2")
	bad.Script = "# tampered\nprint('oops')\n"
	if err := s.Put(bad); err != nil {
		t.Fatal(err)
	}

	sweeper, err := NewSweeper(s, stubChecker{}, "0 3 * * *", nil, testLogger())
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	sweeper.Sweep(context.Background())

	if _, ok := s.Get("fp000000000000a1"); !ok {
		t.Error("valid entry was removed by sweep")
	}
	if _, ok := s.Get("fp000000000000a2"); ok {
		t.Error("invalid entry survived sweep")
	}
}

func TestNewSweeperRejectsBadCron(t *testing.T) {
	s := newTestStore(t)
	if _, err := NewSweeper(s, stubChecker{}, "not a cron spec", nil, testLogger()); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}
