package redis

import (
	"context"
	"testing"
)

func clientSetup(t *testing.T) *Client {
	client := NewClient("localhost:6379")
	// Try to ping Redis to see if it's available
	ctx := context.Background()
	if err := client.SetAbortFlag(ctx, "test-ping", false); err != nil {
		t.Skip("Redis not available, skipping tests. Start Redis with: docker run -d -p 6379:6379 redis:latest")
	}
	return client
}

func Test_SetAndGetAbortFlag(t *testing.T) {
	client := clientSetup(t)
	connID := "test-conn-001"
	for _, abort := range []bool{true, false} {
		if err := client.SetAbortFlag(context.Background(), connID, abort); err != nil {
			t.Fatalf("Failed to set abort flag: %v", err)
		}
		got, err := client.AbortRequested(context.Background(), connID)
		if err != nil {
			t.Fatalf("Failed to get abort flag: %v", err)
		}
		if got != abort {
			t.Fatalf("Abort flag set incorrectly: %v instead of %v", got, abort)
		}
	}

	// Cleanup
	_ = client.SetAbortFlag(context.Background(), connID, false)
}

func Test_AbortDefaultsToFalse(t *testing.T) {
	client := clientSetup(t)
	got, err := client.AbortRequested(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Failed to get abort flag: %v", err)
	}
	if got {
		t.Fatal("missing flag should read as no abort")
	}
}
