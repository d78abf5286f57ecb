package storage

import (
	"context"
	"testing"
	"time"
)

func TestRetentionScheduler_EmptyScheduleIsNoOp(t *testing.T) {
	store := newTestStore(t)
	scheduler := NewRetentionScheduler(store, RetentionConfig{})

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scheduler.IsRunning() {
		t.Error("scheduler must not run without a schedule")
	}
}

func TestRetentionScheduler_ValidatesConfig(t *testing.T) {
	store := newTestStore(t)

	scheduler := NewRetentionScheduler(store, RetentionConfig{
		Schedule: "0 3 * * *",
	})
	if err := scheduler.Start(context.Background()); err == nil {
		t.Error("expected error for missing retain_for")
	}

	scheduler = NewRetentionScheduler(store, RetentionConfig{
		Schedule:  "not a cron expression",
		RetainFor: 24 * time.Hour,
	})
	if err := scheduler.Start(context.Background()); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestRetentionScheduler_StartStop(t *testing.T) {
	store := newTestStore(t)
	scheduler := NewRetentionScheduler(store, RetentionConfig{
		Schedule:  "0 3 * * *",
		RetainFor: 24 * time.Hour,
	})

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !scheduler.IsRunning() {
		t.Fatal("expected scheduler to be running")
	}

	scheduler.Stop()
	if scheduler.IsRunning() {
		t.Error("expected scheduler to be stopped")
	}
}

func TestRetentionScheduler_ContextCancellation(t *testing.T) {
	store := newTestStore(t)
	scheduler := NewRetentionScheduler(store, RetentionConfig{
		Schedule:  "0 3 * * *",
		RetainFor: 24 * time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	cancel()

	deadline := time.After(2 * time.Second)
	for scheduler.IsRunning() {
		select {
		case <-deadline:
			t.Fatal("scheduler did not stop after context cancellation")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
