package gateway

import (
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/metrics"
)

func TestClient_FullBufferDropIsCounted(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := NewClient(server, nil, zap.NewNop(), func(string) bool { return true })

	before := testutil.ToFloat64(metrics.DroppedDeliveriesTotal)

	// Pumps never started: the buffer fills and further sends must drop.
	for i := 0; i < 300; i++ {
		c.SendBytes([]byte("x"))
	}

	if got := testutil.ToFloat64(metrics.DroppedDeliveriesTotal); got-before < 1 {
		t.Errorf("Expected full-buffer drops to be counted, delta %f", got-before)
	}
}
