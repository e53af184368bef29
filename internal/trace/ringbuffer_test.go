package trace

import "testing"

func TestRingBufferPushAndDrain(t *testing.T) {
	rb := NewRingBuffer(4)
	if !rb.IsEmpty() {
		t.Fatal("new ring buffer should be empty")
	}
	for i := 0; i < 4; i++ {
		if !rb.Push(RawEvent{EventType: "x"}) {
			t.Fatalf("push %d should succeed within capacity", i)
		}
	}
	if rb.Push(RawEvent{EventType: "overflow"}) {
		t.Fatal("push beyond capacity should fail")
	}
	if rb.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", rb.Len())
	}

	drained := rb.DrainAll()
	if len(drained) != 4 {
		t.Fatalf("drained %d events, want 4", len(drained))
	}
	if !rb.IsEmpty() {
		t.Fatal("buffer should be empty after DrainAll")
	}
}

func TestRingBufferFIFOOrder(t *testing.T) {
	rb := NewRingBuffer(8)
	for i := 0; i < 5; i++ {
		rb.Push(RawEvent{EventType: string(rune('a' + i))})
	}
	drained := rb.DrainAll()
	for i, ev := range drained {
		want := string(rune('a' + i))
		if ev.EventType != want {
			t.Errorf("drained[%d] = %q, want %q", i, ev.EventType, want)
		}
	}
}

func TestRingBufferDrainEmpty(t *testing.T) {
	rb := NewRingBuffer(4)
	if drained := rb.DrainAll(); drained != nil {
		t.Errorf("draining an empty buffer should return nil, got %v", drained)
	}
}
