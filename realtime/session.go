package realtime

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/graft-http/graft"
)

var json = jsoniter.ConfigFastest

// ErrSessionClosed is returned by sends after the session has ended.
var ErrSessionClosed = errors.New("session is closed")

const closeGraceTimeout = time.Second

type frame struct {
	messageType int
	data        []byte
}

// Session is one upgraded websocket connection. Sends queue frames onto the
// outbound channel; a single pump goroutine writes them to the wire, so
// sends are safe from any goroutine. Reads happen on the upgrading request's
// goroutine, which is where OnMessage runs.
type Session struct {
	ctx     *graft.Context
	conn    *websocket.Conn
	events  Events
	checker graft.Checker

	outbound  chan frame
	closing   chan struct{}
	closeOnce sync.Once
	saturated atomic.Bool
	pumpDone  chan struct{}
}

// Context returns the composed context of the upgrading request. Bindings
// and store values remain readable for the lifetime of the session.
func (s *Session) Context() *graft.Context {
	return s.ctx
}

// SendText queues a text frame.
func (s *Session) SendText(text string) error {
	return s.send(websocket.TextMessage, []byte(text))
}

// SendBinary queues a binary frame.
func (s *Session) SendBinary(data []byte) error {
	return s.send(websocket.BinaryMessage, data)
}

// SendJSON encodes a value and queues it as a text frame. With an outbound
// schema configured, a failing value is dropped, reported to OnError, and
// returned as a VALIDATION failure.
func (s *Session) SendJSON(value any) error {
	if s.checker != nil {
		if faults := s.checker.Errors(value); len(faults) > 0 {
			err := &graft.Error{
				Code:    graft.CodeValidation,
				Message: "outbound payload rejected",
				Faults:  faults,
			}
			s.fail(err)

			return err
		}
	}

	data, err := json.Marshal(value)
	if err != nil {
		s.fail(err)

		return err
	}

	return s.send(websocket.TextMessage, data)
}

// Close ends the session from the server side. A normal closure frame is
// offered to the peer before the connection closes; OnClose fires once with
// a nil error.
func (s *Session) Close() {
	s.closeWith(nil, true)
}

func (s *Session) send(messageType int, data []byte) error {
	select {
	case <-s.closing:
		return ErrSessionClosed
	default:
	}

	if len(s.outbound) == cap(s.outbound) {
		s.saturated.Store(true)
	}

	select {
	case s.outbound <- frame{messageType: messageType, data: data}:
		return nil
	case <-s.closing:
		return ErrSessionClosed
	}
}

// writePump is the only writer of data frames. When a backlog that filled
// the buffer has been written out completely, OnDrain fires.
func (s *Session) writePump() {
	defer close(s.pumpDone)

	for {
		select {
		case f := <-s.outbound:
			if err := s.conn.WriteMessage(f.messageType, f.data); err != nil {
				s.fail(err)
				s.closeWith(err, false)

				return
			}

			if s.saturated.Load() && len(s.outbound) == 0 {
				s.saturated.Store(false)

				if s.events.OnDrain != nil {
					s.events.OnDrain(s)
				}
			}
		case <-s.closing:
			return
		}
	}
}

// readLoop delivers inbound frames until the peer goes away or the session
// is closed locally. Normal peer closures end the session with a nil error.
func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if isExpectedClose(err) {
				s.closeWith(nil, false)
			} else {
				s.closeWith(err, false)
			}

			return
		}

		if s.events.OnMessage != nil {
			s.events.OnMessage(s, data)
		}
	}
}

func (s *Session) closeWith(err error, sendCloseFrame bool) {
	s.closeOnce.Do(func() {
		close(s.closing)

		if sendCloseFrame {
			deadline := time.Now().Add(closeGraceTimeout)
			message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, message, deadline)
		}

		_ = s.conn.Close()

		if s.events.OnClose != nil {
			s.events.OnClose(s, err)
		}
	})
}

func (s *Session) fail(err error) {
	if s.events.OnError != nil {
		s.events.OnError(s, err)
	}
}

func isExpectedClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}

	return errors.Is(err, net.ErrClosed)
}
