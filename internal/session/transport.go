package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"realtime-chat/internal/types"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Transport is one live bidirectional connection. Receive blocks until an
// envelope arrives or the connection ends.
type Transport interface {
	Send(env types.Envelope) error
	Receive() (types.Envelope, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// WSDialer connects to the chat server's websocket endpoint.
type WSDialer struct {
	URL string
	// Token is sent as a bearer token when set.
	Token  string
	Dialer *websocket.Dialer
}

func (d WSDialer) Dial(ctx context.Context) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	conn, _, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	pending []types.Envelope
}

func (t *wsTransport) Send(env types.Envelope) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(env)
}

// Receive is not safe for concurrent callers; the session has exactly one
// reader.
func (t *wsTransport) Receive() (types.Envelope, error) {
	for len(t.pending) == 0 {
		_, frame, err := t.conn.ReadMessage()
		if err != nil {
			return types.Envelope{}, err
		}
		for _, raw := range bytes.Split(frame, []byte{'\n'}) {
			raw = bytes.TrimSpace(raw)
			if len(raw) == 0 {
				continue
			}
			var env types.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				continue
			}
			t.pending = append(t.pending, env)
		}
	}
	env := t.pending[0]
	t.pending = t.pending[1:]
	return env, nil
}

func (t *wsTransport) Close() error {
	t.writeMu.Lock()
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}
