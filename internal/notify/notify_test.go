package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

type countingSink struct {
	calls   int32
	failAll bool
}

func (s *countingSink) Send(_ context.Context, _ Notification) error {
	atomic.AddInt32(&s.calls, 1)
	if s.failAll {
		return errors.New("boom")
	}
	return nil
}

func TestDispatch_FansOutToAllSinks(t *testing.T) {
	a := &countingSink{}
	b := &countingSink{}
	d := &Dispatcher{sinks: []Sink{a, b}, timeout: defaultSinkTimeout}

	d.Dispatch(context.Background(), Notification{Event: EventAPIKeyFailure, Summary: "key K1 demoted"})

	if atomic.LoadInt32(&a.calls) != 1 || atomic.LoadInt32(&b.calls) != 1 {
		t.Fatalf("expected both sinks called once, got %d and %d", a.calls, b.calls)
	}
}

func TestDispatch_OneFailingSinkDoesNotBlockOthers(t *testing.T) {
	failing := &countingSink{failAll: true}
	ok := &countingSink{}
	d := &Dispatcher{sinks: []Sink{failing, ok}, timeout: defaultSinkTimeout}

	d.Dispatch(context.Background(), Notification{Event: EventFallback, Summary: "fell back to K2"})

	if atomic.LoadInt32(&ok.calls) != 1 {
		t.Error("expected the healthy sink to still be called")
	}
}
