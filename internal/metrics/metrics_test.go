package metrics

import "testing"

func TestRecordingMethodsDoNotPanic(t *testing.T) {
	c := New("hitony_test_record")
	c.RecordReceived("uplink")
	c.RecordDropped("pool_exhausted")
	c.RecordEncoded()
	c.RecordUnderrun()
	c.RecordWake()
	c.RecordInteraction()
	c.RecordReconnectAttempt()
	c.SetFrontendVolume(0.5)
	c.SetPlaybackDepth(3)
	c.SetRingDepth("mic0", 1200)
	c.SetPoolStats("256", 10, 20, 0)
}

func TestSeparateNamespacesDoNotCollide(t *testing.T) {
	a := New("hitony_test_ns_a")
	b := New("hitony_test_ns_b")
	a.RecordWake()
	b.RecordWake()
}

func TestSessionSnapshotReflectsOnlyCountsSinceBaseline(t *testing.T) {
	c := New("hitony_test_session")
	c.RecordReceived("downlink")
	c.RecordDropped("queue_full")
	c.RecordEncoded()
	c.RecordUnderrun()

	c.ResetSessionBaseline()
	got := c.SessionSnapshot()
	want := SessionCounters{}
	if got != want {
		t.Fatalf("snapshot right after reset = %+v, want zero", got)
	}

	c.RecordReceived("downlink")
	c.RecordReceived("downlink")
	c.RecordDropped("queue_full")
	c.RecordEncoded()
	c.RecordUnderrun()

	got = c.SessionSnapshot()
	want = SessionCounters{Received: 2, Dropped: 1, Encoded: 1, Underrun: 1}
	if got != want {
		t.Fatalf("snapshot = %+v, want %+v", got, want)
	}
}
