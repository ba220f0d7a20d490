// ws.go implements the persistent duplex channel: the single long-lived
// WebSocket connection used for subscription pushes (and, once
// authenticated, for correlated request/response traffic alongside the
// HTTPS path). It does not reconnect on its own: a read error ends the
// read loop, which is logged. ConnectWebsocket re-sends public/subscribe
// for every tracked channel each time it opens a new connection. The
// shape follows the teacher's market/user feed, collapsed onto the
// single duplex socket the venue exposes.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPingInterval     = 30 * time.Second
	wsReadTimeout      = 75 * time.Second
	wsMaxReconnectWait = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
)

// duplexChannel owns the single WebSocket connection used for both
// subscription pushes and correlated request/response traffic. Writes are
// serialized by writeMu; conn itself is only ever replaced under connMu.
type duplexChannel struct {
	url string

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	logger *slog.Logger
}

func newDuplexChannel(url string, logger *slog.Logger) *duplexChannel {
	return &duplexChannel{url: url, logger: logger.With("component", "duplex-channel")}
}

func (d *duplexChannel) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", ErrTransportFailure, err)
	}

	d.connMu.Lock()
	d.conn = conn
	d.connMu.Unlock()
	return nil
}

func (d *duplexChannel) close() error {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

func (d *duplexChannel) connected() bool {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	return d.conn != nil
}

func (d *duplexChannel) writeJSON(v interface{}) error {
	d.connMu.Lock()
	conn := d.conn
	d.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: duplex channel not connected", ErrTransportFailure)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

// readLoop blocks reading frames until the connection errors or ctx is
// cancelled, handing each decoded frame to onFrame. readLoop does not
// reconnect; it returns once on any read error.
func (d *duplexChannel) readLoop(ctx context.Context, onFrame func(inboundFrame, json.RawMessage)) error {
	d.connMu.Lock()
	conn := d.conn
	d.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: duplex channel not connected", ErrTransportFailure)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %v", ErrTransportFailure, err)
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			d.logger.Debug("ignoring malformed duplex frame", "data", string(raw))
			continue
		}
		onFrame(frame, raw)
	}
}

func (d *duplexChannel) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.connMu.Lock()
			conn := d.conn
			d.connMu.Unlock()
			if conn == nil {
				return
			}
			d.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			d.writeMu.Unlock()
			if err != nil {
				d.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

// dispatchWorker drains a FIFO queue of subscription callbacks so that a
// slow or misbehaving callback never stalls the duplex channel's read
// loop. Initialize starts it; ConnectWebsocket only ever enqueues onto it.
type dispatchWorker struct {
	queue  chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

func newDispatchWorker(logger *slog.Logger) *dispatchWorker {
	return &dispatchWorker{
		queue:  make(chan func(), 256),
		stopCh: make(chan struct{}),
		logger: logger.With("component", "dispatch-worker"),
	}
}

func (w *dispatchWorker) start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case job := <-w.queue:
				job()
			case <-w.stopCh:
				return
			}
		}
	}()
}

func (w *dispatchWorker) enqueue(job func()) {
	select {
	case w.queue <- job:
	default:
		w.logger.Warn("dispatch queue full, dropping job")
	}
}

func (w *dispatchWorker) stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// ConnectWebsocket dials the duplex channel, launches its read worker, and
// re-subscribes to every previously-registered channel. Calling it again
// while already connected is a no-op.
func (s *Session) ConnectWebsocket(ctx context.Context) error {
	if s.ws != nil && s.ws.connected() {
		return nil
	}

	ch := newDuplexChannel(s.wsURL, s.logger)
	if err := ch.dial(ctx); err != nil {
		return err
	}
	s.ws = ch

	runCtx, cancel := context.WithCancel(context.Background())
	_ = cancel // readLoop owns its own lifetime via connection errors; kept for future use

	go func() {
		err := ch.readLoop(runCtx, s.handleDuplexFrame)
		if err != nil {
			s.logger.Warn("duplex channel read loop ended", "error", err)
		}
	}()
	go ch.pingLoop(runCtx)

	s.subsMu.RLock()
	channels := make([]string, 0, len(s.subs))
	for name := range s.subs {
		channels = append(channels, name)
	}
	s.subsMu.RUnlock()

	for _, name := range channels {
		if err := s.sendSubscribe(ctx, name); err != nil {
			s.logger.Warn("resubscribe failed", "channel", name, "error", err)
		}
	}

	if s.IsAuthenticated() {
		go s.sendBestEffortDuplexAuth()
	}

	return nil
}

// sendBestEffortDuplexAuth sends public/auth over the duplex channel
// itself when the session is already authenticated, per the core's
// connect_websocket contract. It is best-effort: the duplex socket
// already works for public pushes without this, so a failure here is
// logged and otherwise ignored rather than surfaced to the caller of
// ConnectWebsocket.
func (s *Session) sendBestEffortDuplexAuth() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.sendDuplexRequest(ctx, "public/auth", map[string]interface{}{
		"grant_type":    "client_credentials",
		"client_id":     s.cfg.APIKey,
		"client_secret": s.cfg.APISecret,
	})
	if err != nil {
		s.logger.Warn("best-effort duplex auth frame failed", "error", err)
	}
}

// sendDuplexRequest sends a JSON-RPC request over the duplex channel and
// blocks until the correlator resolves its matching response (or ctx is
// done). Unlike PublicRequest/PrivateRequest, which always round-trip
// over HTTPS per the core's one-shot contract, this exists for messages
// that only make sense on the duplex socket itself, such as the
// best-effort auth frame above.
func (s *Session) sendDuplexRequest(ctx context.Context, method string, params interface{}) (rpcResponse, error) {
	if s.ws == nil || !s.ws.connected() {
		return rpcResponse{}, fmt.Errorf("%w: duplex channel not connected", ErrTransportFailure)
	}

	id, waiter := s.corr.register()
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := s.ws.writeJSON(req); err != nil {
		s.corr.abandon(id)
		return rpcResponse{}, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}

	select {
	case resp := <-waiter:
		if resp.Error != nil {
			return resp, fmt.Errorf("%w: %s", ErrVenueError, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		s.corr.abandon(id)
		return rpcResponse{}, ctx.Err()
	}
}

// DisconnectWebsocket closes the duplex channel. Safe to call when not
// connected.
func (s *Session) DisconnectWebsocket() error {
	if s.ws == nil {
		return nil
	}
	return s.ws.close()
}

// Subscribe registers cb for channel and, if the duplex channel is
// connected, sends public/subscribe immediately. The callback is invoked
// from the dispatch worker, never from the read loop directly.
func (s *Session) Subscribe(ctx context.Context, channel string, cb SubscriptionCallback) error {
	s.subsMu.Lock()
	s.subs[channel] = cb
	s.subsMu.Unlock()

	if s.ws == nil || !s.ws.connected() {
		return nil
	}
	return s.sendSubscribe(ctx, channel)
}

// Unsubscribe removes channel's callback and, if connected, sends
// public/unsubscribe. Unsubscribing a channel with no registered callback
// is a no-op.
func (s *Session) Unsubscribe(ctx context.Context, channel string) error {
	s.subsMu.Lock()
	_, existed := s.subs[channel]
	delete(s.subs, channel)
	s.subsMu.Unlock()

	if !existed || s.ws == nil || !s.ws.connected() {
		return nil
	}

	resp := s.PublicRequest(ctx, "public/unsubscribe", map[string]interface{}{
		"channels": []string{channel},
	})
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrVenueError, resp.ErrorMessage)
	}
	return nil
}

func (s *Session) sendSubscribe(ctx context.Context, channel string) error {
	resp := s.PublicRequest(ctx, "public/subscribe", map[string]interface{}{
		"channels": []string{channel},
	})
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrVenueError, resp.ErrorMessage)
	}
	return nil
}

// handleDuplexFrame demuxes an inbound duplex frame: frames carrying an
// id go to the correlator, frames carrying method "subscription" are
// dispatched to their registered callback off the dispatch worker.
func (s *Session) handleDuplexFrame(frame inboundFrame, raw json.RawMessage) {
	if frame.ID != nil {
		s.corr.resolve(rpcResponse{
			ID:     *frame.ID,
			Result: frame.Result,
			Error:  frame.Error,
		})
		return
	}

	if frame.Method != "subscription" {
		return
	}

	var notif rpcNotification
	if err := json.Unmarshal(raw, &notif); err != nil {
		s.logger.Debug("malformed subscription notification", "error", err)
		return
	}

	s.subsMu.RLock()
	cb, ok := s.subs[notif.Params.Channel]
	s.subsMu.RUnlock()
	if !ok || s.dispatch == nil {
		return
	}

	channel := notif.Params.Channel
	data := notif.Params.Data
	s.dispatch.enqueue(func() { cb(channel, data) })
}
