package pnet

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.sent(NewPacket(Request, 0, nil))
	m.received(NewPacket(Request, 0, nil))
	m.connected()
	m.disconnected()
	m.protocolError()
}

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics("pnet", reg)

	count, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	// Vectors without observations are not exported.
	if count != 4 {
		t.Errorf("exported %d metrics, want 4", count)
	}

	defer func() {
		if recover() == nil {
			t.Error("registering twice should panic")
		}
	}()
	NewMetrics("pnet", reg)
}

func TestMetrics_Traffic(t *testing.T) {
	m := NewMetrics("test", nil)

	right := newRecordingListener()
	a, b := newAdoptedPair(t, nil, right, MetricsOption(m))
	if got := testutil.ToFloat64(m.connections); got != 2 {
		t.Errorf("connections_open = %v, want 2", got)
	}

	if err := a.Send(NewPacket(Reply, 1, []byte("abc"))); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	right.waitPacket(t)

	if got := testutil.ToFloat64(m.packetsSent.WithLabelValues("Reply")); got != 1 {
		t.Errorf("packets_sent_total{Reply} = %v", got)
	}
	if got := testutil.ToFloat64(m.bytesSent); got != HeaderLen+3 {
		t.Errorf("bytes_sent_total = %v", got)
	}
	if got := testutil.ToFloat64(m.packetsReceived.WithLabelValues("Reply")); got != 1 {
		t.Errorf("packets_received_total{Reply} = %v", got)
	}
	if got := testutil.ToFloat64(m.bytesReceived); got != HeaderLen+3 {
		t.Errorf("bytes_received_total = %v", got)
	}

	a.Close()
	b.Close()
	waitFor(t, 5*time.Second, func() bool { return testutil.ToFloat64(m.connections) == 0 })
}

func TestMetrics_ProtocolError(t *testing.T) {
	m := NewMetrics("test", nil)
	s, c := createTestTCPPair(t)
	defer c.Close()

	l := newRecordingListener()
	conn := NewConn(LoggerOption(quietLogger()), ListenerOption(l), MetricsOption(m))
	if err := conn.Adopt(s); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Write(rawFrame(7, 0, 0, nil)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	l.waitDisconnect(t)

	if got := testutil.ToFloat64(m.protocolErrors); got != 1 {
		t.Errorf("protocol_errors_total = %v, want 1", got)
	}
}
