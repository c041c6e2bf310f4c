package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersTrackOutcomes(testContext *testing.T) {
	before := testutil.ToFloat64(synchronizerItemsTotal.WithLabelValues("node_updates"))
	AddSynchronizerItems("node_updates", 3)
	AddSynchronizerItems("node_updates", 0)
	if got := testutil.ToFloat64(synchronizerItemsTotal.WithLabelValues("node_updates")); got != before+3 {
		testContext.Fatalf("expected %v items, got %v", before+3, got)
	}

	IncMutation("create_node", 200)
	if got := testutil.ToFloat64(mutationsTotal.WithLabelValues("create_node", "200")); got < 1 {
		testContext.Fatalf("expected mutation to be counted, got %v", got)
	}

	ConnectionOpened()
	ConnectionOpened()
	ConnectionClosed()
	if got := testutil.ToFloat64(realtimeConnections); got != 1 {
		testContext.Fatalf("expected one open connection, got %v", got)
	}
}
