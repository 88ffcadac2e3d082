package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stillpoint/televisit/internal/protocol"
)

const (
	// wsWriteWait bounds a single frame write.
	wsWriteWait = 10 * time.Second

	// wsReadTimeout is how long the socket may stay silent before the
	// client treats it as dead. The relay pings well inside this window,
	// and the ping handler refreshes the deadline, so only a genuinely
	// broken path trips it.
	wsReadTimeout = 90 * time.Second

	// wsMaxMessageBytes mirrors the relay's inbound frame cap.
	wsMaxMessageBytes = 1 << 20
)

// signalTransport is the ordered signaling stream between this client and
// the relay. Implementations must deliver envelopes in arrival order and
// close Incoming exactly once, after which Err explains why (nil for a
// local Close).
type signalTransport interface {
	Send(protocol.Message) error
	Incoming() <-chan protocol.Message
	Err() error
	Close() error
}

// wsTransport carries envelopes over one WebSocket connection. A single
// read pump parses frames onto Incoming; writes are serialized by mutex so
// send order is the socket order.
type wsTransport struct {
	conn *websocket.Conn
	log  *slog.Logger

	incoming chan protocol.Message

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	errMu sync.Mutex
	err   error
}

// dialTransport connects to the relay's /ws endpoint. origin is sent as the
// Origin header when non-empty; relays with an allowlist require it.
func dialTransport(ctx context.Context, wsURL, origin string, log *slog.Logger) (*wsTransport, error) {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	t := &wsTransport{
		conn:     conn,
		log:      log,
		incoming: make(chan protocol.Message, 16),
		closed:   make(chan struct{}),
	}
	go t.readPump()
	return t, nil
}

func (t *wsTransport) readPump() {
	defer close(t.incoming)

	t.conn.SetReadLimit(wsMaxMessageBytes)
	resetDeadline := func() {
		_ = t.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	}
	resetDeadline()
	pong := t.conn.PingHandler()
	t.conn.SetPingHandler(func(appData string) error {
		resetDeadline()
		return pong(appData)
	})

	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			t.fail(err)
			return
		}
		resetDeadline()

		msg, err := protocol.Parse(raw)
		if err != nil {
			// The relay should never produce these; drop rather than kill
			// the session over one bad frame.
			t.log.Warn("discarding malformed frame from relay", "err", err)
			continue
		}
		select {
		case t.incoming <- msg:
		case <-t.closed:
			return
		}
	}
}

func (t *wsTransport) Send(msg protocol.Message) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (t *wsTransport) Incoming() <-chan protocol.Message { return t.incoming }

// Err reports why the read pump stopped. Nil until Incoming closes, and nil
// afterwards when the close was local.
func (t *wsTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *wsTransport) fail(err error) {
	select {
	case <-t.closed:
		// Local close; the read error is just the socket being torn down.
		return
	default:
	}
	t.errMu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.errMu.Unlock()
}

// Close performs a best-effort close handshake and tears the socket down.
// Idempotent.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()
		_ = t.conn.Close()
	})
	return nil
}
