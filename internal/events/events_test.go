package events

import "testing"

func TestBusFanOut(t *testing.T) {
	b := NewBus()
	ch1, cancel1 := b.Subscribe(8)
	ch2, cancel2 := b.Subscribe(8)
	defer cancel1()
	defer cancel2()

	_ = b.Emit(AgentStatus, "a1", map[string]string{"status": "running"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Name != AgentStatus || ev.AgentID != "a1" {
				t.Errorf("subscriber %d got %+v", i, ev)
			}
		default:
			t.Errorf("subscriber %d received nothing", i)
		}
	}
}

func TestBusDropsOnBackpressure(t *testing.T) {
	b := NewBus()
	_, cancel := b.Subscribe(1)
	defer cancel()

	_ = b.Emit(AgentOutput, "a1", nil)
	_ = b.Emit(AgentOutput, "a1", nil) // buffer full, must drop not block

	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}

func TestSubscribeCancelIsIdempotent(t *testing.T) {
	b := NewBus()
	_, cancel := b.Subscribe(1)
	cancel()
	cancel() // must not panic on double close

	// Emitting after cancel must not panic either.
	_ = b.Emit(AgentStatus, "a1", nil)
}
