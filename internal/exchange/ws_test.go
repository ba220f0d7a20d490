package exchange

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestDispatchWorkerPreservesFIFOOrderPerChannel(t *testing.T) {
	t.Parallel()

	w := newDispatchWorker(testLogger())
	w.start()
	defer w.stop()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		w.enqueue(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("dispatch order = %v, want strictly increasing", order)
		}
	}
}

func TestHandleDuplexFrameRoutesSubscriptionToCallback(t *testing.T) {
	t.Parallel()

	s := &Session{
		logger: testLogger(),
		subs:   make(map[string]SubscriptionCallback),
		corr:   newCorrelator(),
	}
	s.dispatch = newDispatchWorker(s.logger)
	s.dispatch.start()
	defer s.dispatch.stop()

	received := make(chan json.RawMessage, 1)
	channel := "book.BTC-PERPETUAL.100ms"
	s.subs[channel] = func(ch string, data json.RawMessage) {
		if ch != channel {
			t.Errorf("callback channel = %q, want %q", ch, channel)
		}
		received <- data
	}

	raw := []byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"book.BTC-PERPETUAL.100ms","data":{"instrument_name":"BTC-PERPETUAL"}}}`)
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}

	s.handleDuplexFrame(frame, raw)

	select {
	case data := <-received:
		if string(data) != `{"instrument_name":"BTC-PERPETUAL"}` {
			t.Fatalf("payload = %s, unexpected", data)
		}
	case <-time.After(time.Second):
		t.Fatal("callback was not invoked")
	}
}

func TestHandleDuplexFrameRoutesResponseToCorrelator(t *testing.T) {
	t.Parallel()

	s := &Session{logger: testLogger(), subs: make(map[string]SubscriptionCallback), corr: newCorrelator()}
	id, waiter := s.corr.register()

	idVal := id
	frame := inboundFrame{ID: &idVal, Result: json.RawMessage(`{"ok":true}`)}
	s.handleDuplexFrame(frame, nil)

	select {
	case resp := <-waiter:
		if string(resp.Result) != `{"ok":true}` {
			t.Fatalf("result = %s, unexpected", resp.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("correlator did not resolve")
	}
}

func TestCorrelatorAbandonDropsWaiter(t *testing.T) {
	t.Parallel()

	c := newCorrelator()
	id, _ := c.register()
	c.abandon(id)

	// Resolving an abandoned id must not panic or block.
	c.resolve(rpcResponse{ID: id})
}
