package realtime

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/graft-http/graft"
)

const defaultWriteBuffer = 16

// Events holds the session callbacks of one websocket route. Every callback
// is optional.
type Events struct {
	// OnOpen runs once after a successful upgrade, before the first read.
	OnOpen func(s *Session)

	// OnMessage runs for every inbound frame, on the session's read
	// goroutine. Blocking here blocks further reads of the same session.
	OnMessage func(s *Session, data []byte)

	// OnDrain runs when a backlog that filled the outbound buffer has been
	// written out completely.
	OnDrain func(s *Session)

	// OnError observes failures that do not necessarily end the session,
	// such as rejected outbound payloads or write errors.
	OnError func(s *Session, err error)

	// OnClose runs exactly once when the session ends, from either side.
	// A nil error means a normal closure.
	OnClose func(s *Session, err error)
}

type config struct {
	writeBuffer int
	readLimit   int64
	checkOrigin func(r *http.Request) bool
	checker     graft.Checker
}

// Option defines a functional option for configuring a websocket handler.
type Option func(*config) error

// WithOutboundSchema checks every SendJSON payload against the supplied
// checker before the frame is written. Failing payloads are not sent; the
// failure goes to OnError and is returned from SendJSON.
func WithOutboundSchema(checker graft.Checker) Option {
	return func(cfg *config) error {
		if checker == nil {
			return errors.New("nil outbound checker supplied")
		}

		cfg.checker = checker

		return nil
	}
}

// WithWriteBuffer sets the capacity of the outbound frame queue. Zero makes
// every send a synchronous handoff to the write pump. The default is 16.
func WithWriteBuffer(size int) Option {
	return func(cfg *config) error {
		if size < 0 {
			return errors.New("negative write buffer size supplied")
		}

		cfg.writeBuffer = size

		return nil
	}
}

// WithReadLimit caps the size of inbound frames in bytes. A session whose
// peer exceeds the limit is closed with an error. Zero means no limit.
func WithReadLimit(limit int64) Option {
	return func(cfg *config) error {
		if limit < 0 {
			return errors.New("negative read limit supplied")
		}

		cfg.readLimit = limit

		return nil
	}
}

// WithCheckOrigin replaces the upgrader's origin check. The default refuses
// cross-origin browser handshakes.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(cfg *config) error {
		if check == nil {
			return errors.New("nil origin check supplied")
		}

		cfg.checkOrigin = check

		return nil
	}
}

// Handler adapts the supplied session callbacks onto a route. The returned
// handler upgrades the request, runs the session until it ends, and answers
// with a hijacked response so the transport writes nothing afterwards.
//
// A transport that does not expose the underlying connection makes the
// handler fail with INTERNAL_SERVER_ERROR.
func Handler(events Events, opts ...Option) graft.Handler {
	cfg := config{writeBuffer: defaultWriteBuffer}

	var optErr error

	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			optErr = err

			break
		}
	}

	upgrader := websocket.Upgrader{CheckOrigin: cfg.checkOrigin}

	return func(c *graft.Context) (any, error) {
		if optErr != nil {
			return nil, optErr
		}

		carrier := c.Upgrade()
		if carrier == nil {
			return nil, graft.Fail(graft.CodeInternalServerError,
				"transport does not support connection upgrades")
		}

		conn, err := upgrader.Upgrade(carrier.Writer, carrier.Request, nil)
		if err != nil {
			// The upgrader has already answered the failed handshake.
			return &graft.Response{Hijacked: true, Status: http.StatusBadRequest}, nil
		}

		if cfg.readLimit > 0 {
			conn.SetReadLimit(cfg.readLimit)
		}

		session := &Session{
			ctx:      c,
			conn:     conn,
			events:   events,
			checker:  cfg.checker,
			outbound: make(chan frame, cfg.writeBuffer),
			closing:  make(chan struct{}),
			pumpDone: make(chan struct{}),
		}

		go session.writePump()

		if events.OnOpen != nil {
			events.OnOpen(session)
		}

		session.readLoop()
		<-session.pumpDone

		return &graft.Response{Hijacked: true, Status: http.StatusSwitchingProtocols}, nil
	}
}
