package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "hookrelay/pkg/logx"
)

func TestValidate(t *testing.T) {
	if err := Validate(Config{Enabled: true, Schedule: "@every 5m"}); err != nil {
		t.Fatal(err)
	}
	if err := Validate(Config{Enabled: true, Schedule: "*/5 * * * *", Timezone: "UTC"}); err != nil {
		t.Fatal(err)
	}
	if err := Validate(Config{Enabled: true, Schedule: "whenever"}); err == nil {
		t.Fatal("bad schedule accepted")
	}
	if err := Validate(Config{Enabled: true, Schedule: "@hourly", Timezone: "Mars/Olympus"}); err == nil {
		t.Fatal("bad timezone accepted")
	}
	if err := Validate(Config{Schedule: "whenever"}); err != nil {
		t.Fatal("disabled config should not be checked")
	}
}

func TestScheduledJobRuns(t *testing.T) {
	ran := make(chan struct{}, 8)
	s := New("probe", func(context.Context) error {
		ran <- struct{}{}
		return nil
	}, time.Second, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, Config{Enabled: true, Schedule: "@every 1s"}) }()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job never ran")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
}

func TestRunNowCountsFailures(t *testing.T) {
	s := New("probe", func(context.Context) error { return errors.New("upstream down") }, time.Second, logx.Nop())
	if err := s.RunNow(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if total, failed := s.Runs(); total != 1 || failed != 1 {
		t.Fatalf("runs = %d/%d", total, failed)
	}
	if err := s.Apply(Config{Enabled: true, Schedule: "nope"}); err == nil {
		t.Fatal("bad schedule applied")
	}
}
