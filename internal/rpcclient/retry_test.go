package rpcclient

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetrySucceedsEventually(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 120*time.Second, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithRetry() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetryGivesUpPastCap(t *testing.T) {
	calls := 0
	wantErr := errors.New("still failing")
	err := WithRetry(context.Background(), 2*time.Second, func() error {
		calls++
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("WithRetry() error = %v, want %v", err, wantErr)
	}
	// backoff(0)=1s <= cap, backoff(1)=2s <= cap, backoff(2)=4s > cap: stop.
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetryRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, 120*time.Second, func() error {
		return errors.New("transient")
	})
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
