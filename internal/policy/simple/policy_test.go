// Package simple includes tests for the permissive policy implementation.
package simple

import (
	"context"
	"errors"
	"testing"
)

// TestPolicyWait ensures the policy never blocks a live context.
func TestPolicyWait(t *testing.T) {
	t.Parallel()

	p := New()
	if err := p.Wait(context.Background(), "https://duckduckgo.com"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Wait(ctx, "https://duckduckgo.com"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
