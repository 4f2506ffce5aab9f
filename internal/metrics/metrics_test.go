package metrics

import (
	"context"
	"testing"
)

func TestServeRejectsEmptyAddr(t *testing.T) {
	if err := Serve(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestServeStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0") }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve returned error after cancellation: %v", err)
	}
}
