package events

import "testing"

func TestEmitInvokesRegisteredHandlerWithPayload(t *testing.T) {
	b := New()
	var got any
	b.Subscribe(TalkerChanged, func(payload any) { got = payload })

	b.Emit(TalkerChanged, uint32(42))

	if got != uint32(42) {
		t.Fatalf("got %v, want 42", got)
	}
}

func TestEmitInvokesMultipleHandlersInOrder(t *testing.T) {
	b := New()
	var order []int
	b.Subscribe(TxStarted, func(any) { order = append(order, 1) })
	b.Subscribe(TxStarted, func(any) { order = append(order, 2) })

	b.Emit(TxStarted, nil)

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("handlers ran out of order: %v", order)
	}
}

func TestEmitWithNoSubscribersIsNoop(t *testing.T) {
	b := New()
	b.Emit(ChannelError, "boom") // must not panic
}
