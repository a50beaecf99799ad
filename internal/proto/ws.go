package proto

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrBadMessage marks frames that arrived but failed validation, as opposed
// to transport errors. Receivers log and drop these after authentication.
var ErrBadMessage = errors.New("bad message")

// Channel wraps a websocket connection into a message channel carrying one
// JSON control frame per text message. Writes are serialized; gorilla permits
// only one concurrent writer.
type Channel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func NewChannel(conn *websocket.Conn) *Channel {
	return &Channel{conn: conn}
}

// Read blocks for the next frame and decodes it. Binary frames and frames
// that fail validation surface as errors; the caller decides whether a bad
// frame is fatal.
func (ch *Channel) Read() (any, error) {
	mt, frame, err := ch.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.TextMessage {
		return nil, fmt.Errorf("%w: non-text frame", ErrBadMessage)
	}
	msg, err := Decode(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return msg, nil
}

// SetReadDeadline bounds the next Read; zero clears it.
func (ch *Channel) SetReadDeadline(t time.Time) error {
	return ch.conn.SetReadDeadline(t)
}

// Write encodes msg and sends it as one text frame.
func (ch *Channel) Write(msg any) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	return ch.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close closes the underlying socket. Safe to call repeatedly and from any
// goroutine; it also unblocks a pending Read.
func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() {
		ch.closeErr = ch.conn.Close()
	})
	return ch.closeErr
}

// RemoteAddr reports the peer address for logging.
func (ch *Channel) RemoteAddr() string {
	return ch.conn.RemoteAddr().String()
}
