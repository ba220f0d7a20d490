// Package broadcast implements the downstream distribution fabric: a
// WebSocket-style server that accepts framed-text connections, tracks
// per-channel subscriptions, and fans upstream book updates out to
// exactly the peers subscribed to the matching channel. It is built on
// gorilla/websocket the same way the teacher's dashboard hub is, but
// extended to parse inbound subscribe/unsubscribe frames instead of
// serving a read-only stream.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"deribit-gateway/pkg/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// BookProvider is the subset of the order/book store the broadcast
// server needs to serve an initial snapshot on subscribe. A non-owning
// handle, per the DAG ownership in the coordinator.
type BookProvider interface {
	GetOrderBook(ctx context.Context, instrument string, depth int) (types.OrderBook, bool)
}

// Connection is an opaque handle for one downstream peer. Its lifetime
// runs from on_open to on_close and it never escapes the Server.
type Connection struct {
	id   uint64
	conn *websocket.Conn
	send chan []byte
}

// Server is the broadcast fabric: a TCP listener plus the live
// connection set plus the two subscription indices.
type Server struct {
	addr     string
	books    BookProvider
	onOpen   func(*Connection)
	onClose  func(*Connection)
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	logger   *slog.Logger

	connMu  sync.Mutex
	conns   map[*Connection]bool
	nextID  uint64

	subsMu  sync.Mutex
	forward map[string]map[*Connection]bool
	inverse map[*Connection]map[string]bool
}

// NewServer builds a broadcast server bound to port, using books for
// initial orderbook.* snapshot delivery.
func NewServer(port int, books BookProvider, logger *slog.Logger) *Server {
	s := &Server{
		addr:     fmt.Sprintf(":%d", port),
		books:    books,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   logger.With("component", "broadcast-server"),
		conns:    make(map[*Connection]bool),
		forward:  make(map[string]map[*Connection]bool),
		inverse:  make(map[*Connection]map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	s.httpSrv = &http.Server{Addr: s.addr, Handler: mux}

	return s
}

// OnOpen/OnClose register optional lifecycle callbacks, invoked after the
// connection set/subscription indices have already been updated.
func (s *Server) OnOpen(fn func(*Connection))  { s.onOpen = fn }
func (s *Server) OnClose(fn func(*Connection)) { s.onClose = fn }

// Start runs the accept loop. It blocks until the server is stopped;
// run it from its own goroutine.
func (s *Server) Start() error {
	s.logger.Info("broadcast server starting", "addr", s.addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("broadcast server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the listener, unblocking the accept loop.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.connMu.Lock()
	s.nextID++
	peer := &Connection{id: s.nextID, conn: conn, send: make(chan []byte, sendBuffer)}
	s.conns[peer] = true
	s.connMu.Unlock()

	s.subsMu.Lock()
	s.inverse[peer] = make(map[string]bool)
	s.subsMu.Unlock()

	s.sendWelcome(peer)
	if s.onOpen != nil {
		s.onOpen(peer)
	}

	go s.writePump(peer)
	s.readPump(peer)
}

func (s *Server) sendWelcome(c *Connection) {
	s.Send(c, map[string]interface{}{"type": "welcome", "message": "connected"})
}

func (s *Server) writePump(c *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(c *Connection) {
	defer s.closeConnection(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleInbound(c, raw)
	}
}

// inboundMessage is the client->server frame shape: {type, channel}.
type inboundMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

func (s *Server) handleInbound(c *Connection, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.Send(c, map[string]interface{}{"type": "error", "message": fmt.Sprintf("Invalid JSON: %v", err)})
		return
	}
	if msg.Type == "" {
		s.Send(c, map[string]interface{}{"type": "error", "message": "missing type"})
		return
	}

	switch msg.Type {
	case "subscribe":
		s.subscribe(c, msg.Channel)
	case "unsubscribe":
		s.unsubscribe(c, msg.Channel)
	default:
		s.Send(c, map[string]interface{}{"type": "error", "message": "unknown type: " + msg.Type})
	}
}

func (s *Server) subscribe(c *Connection, channel string) {
	s.subsMu.Lock()
	if s.forward[channel] == nil {
		s.forward[channel] = make(map[*Connection]bool)
	}
	s.forward[channel][c] = true
	if s.inverse[c] == nil {
		s.inverse[c] = make(map[string]bool)
	}
	s.inverse[c][channel] = true
	s.subsMu.Unlock()

	s.Send(c, map[string]interface{}{"type": "subscribed", "channel": channel})

	const prefix = "orderbook."
	if s.books != nil && len(channel) > len(prefix) && channel[:len(prefix)] == prefix {
		instrument := channel[len(prefix):]
		if book, ok := s.books.GetOrderBook(context.Background(), instrument, 10); ok {
			s.Send(c, orderbookFrame(book))
		}
	}
}

func (s *Server) unsubscribe(c *Connection, channel string) {
	s.subsMu.Lock()
	if peers, ok := s.forward[channel]; ok {
		delete(peers, c)
		if len(peers) == 0 {
			delete(s.forward, channel)
		}
	}
	if chans, ok := s.inverse[c]; ok {
		delete(chans, channel)
	}
	s.subsMu.Unlock()

	s.Send(c, map[string]interface{}{"type": "unsubscribed", "channel": channel})
}

// Send unicasts message to c. Per-peer send failures (a full buffer, a
// peer that has already gone away) are logged and swallowed; they never
// interrupt a surrounding fan-out loop.
func (s *Server) Send(c *Connection, message interface{}) {
	raw, err := json.Marshal(message)
	if err != nil {
		s.logger.Error("marshal outbound message", "error", err)
		return
	}
	// closeConnection removes c from conns under connMu before closing
	// c.send, so holding connMu here keeps the send off a closed channel.
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if !s.conns[c] {
		s.logger.Warn("peer already closed, dropping message", "connection", c.id)
		return
	}
	select {
	case c.send <- raw:
	default:
		s.logger.Warn("peer send buffer full, dropping message", "connection", c.id)
	}
}

// Broadcast sends message to every live connection.
func (s *Server) Broadcast(message interface{}) {
	raw, err := json.Marshal(message)
	if err != nil {
		s.logger.Error("marshal broadcast message", "error", err)
		return
	}

	s.connMu.Lock()
	peers := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		peers = append(peers, c)
	}
	s.connMu.Unlock()

	for _, c := range peers {
		select {
		case c.send <- raw:
		default:
			s.logger.Warn("peer send buffer full, dropping broadcast", "connection", c.id)
		}
	}
}

// BroadcastToChannel sends message only to peers subscribed to channel.
// A missing or empty subscriber set is a silent no-op.
func (s *Server) BroadcastToChannel(channel string, message interface{}) {
	raw, err := json.Marshal(message)
	if err != nil {
		s.logger.Error("marshal channel broadcast message", "error", err)
		return
	}

	s.subsMu.Lock()
	peers := make([]*Connection, 0, len(s.forward[channel]))
	for c := range s.forward[channel] {
		peers = append(peers, c)
	}
	s.subsMu.Unlock()

	for _, c := range peers {
		select {
		case c.send <- raw:
		default:
			s.logger.Warn("peer send buffer full, dropping channel broadcast", "channel", channel, "connection", c.id)
		}
	}
}

// HandleOrderbookUpdate serializes book and broadcasts it to every peer
// subscribed to "orderbook.<instrument_name>".
func (s *Server) HandleOrderbookUpdate(instrument string, book types.OrderBook) {
	s.BroadcastToChannel("orderbook."+instrument, orderbookFrame(book))
}

func orderbookFrame(book types.OrderBook) map[string]interface{} {
	return map[string]interface{}{
		"type":            "orderbook",
		"instrument_name": book.InstrumentName,
		"timestamp":       book.Timestamp,
		"bids":            levelPairs(book.Bids),
		"asks":            levelPairs(book.Asks),
	}
}

func levelPairs(levels []types.PriceLevel) [][2]float64 {
	pairs := make([][2]float64, len(levels))
	for i, l := range levels {
		pairs[i] = [2]float64{l.Price, l.Size}
	}
	return pairs
}

func (s *Server) closeConnection(c *Connection) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()

	s.subsMu.Lock()
	for channel := range s.inverse[c] {
		if peers, ok := s.forward[channel]; ok {
			delete(peers, c)
			if len(peers) == 0 {
				delete(s.forward, channel)
			}
		}
	}
	delete(s.inverse, c)
	s.subsMu.Unlock()

	close(c.send)

	if s.onClose != nil {
		s.onClose(c)
	}
}
