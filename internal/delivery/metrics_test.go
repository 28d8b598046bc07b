package delivery

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shineum/ripple-mail/internal/metrics"
)

// Not parallel: the collectors are process-wide.
func TestDeliver_CountsResults(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", "alice~example.com")
	bob := f.user(t, "bob", "bob~example.com")

	delivered := testutil.ToFloat64(metrics.Deliveries.WithLabelValues(metrics.ResultDelivered))
	fatal := testutil.ToFloat64(metrics.Deliveries.WithLabelValues(metrics.ResultFatal))
	tooLarge := testutil.ToFloat64(metrics.Deliveries.WithLabelValues(metrics.ResultTooLarge))

	ctx := context.Background()
	if _, err := f.pipeline.Deliver(ctx, Request{Sender: Sender{ID: alice.ID}, Recipients: []Recipient{{UserID: bob.ID}}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.pipeline.Deliver(ctx, Request{Sender: Sender{ID: alice.ID}})
	f.pipeline.Accept(ctx, Envelope{From: "alice~example.com", Recipients: []string{"bob~example.com"}, Data: make([]byte, 2<<20)})

	if got := testutil.ToFloat64(metrics.Deliveries.WithLabelValues(metrics.ResultDelivered)) - delivered; got != 1 {
		t.Errorf("delivered: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.Deliveries.WithLabelValues(metrics.ResultFatal)) - fatal; got != 1 {
		t.Errorf("fatal: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.Deliveries.WithLabelValues(metrics.ResultTooLarge)) - tooLarge; got != 1 {
		t.Errorf("toolarge: got %v, want 1", got)
	}
}
