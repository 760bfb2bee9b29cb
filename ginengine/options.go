package ginengine

import (
	"errors"
	"time"

	"github.com/graft-http/graft"
)

// Option defines a functional option for configuring a Server.
type Option func(*Server) error

// WithAddr sets the listen address used by Listen. The default is ":3000".
func WithAddr(addr string) Option {
	return func(s *Server) error {
		if addr == "" {
			return errors.New("empty listen address supplied")
		}

		s.addr = addr

		return nil
	}
}

// WithMaxBodyBytes caps how many request body bytes are read into memory per
// request. Larger bodies are rejected with 413 before the pipeline starts.
// The default is 4 MiB.
func WithMaxBodyBytes(limit int64) Option {
	return func(s *Server) error {
		if limit <= 0 {
			return errors.New("non-positive request body limit supplied")
		}

		s.maxBodyBytes = limit

		return nil
	}
}

// WithReadTimeout sets the read timeout of the underlying http.Server. Zero
// means no timeout.
func WithReadTimeout(timeout time.Duration) Option {
	return func(s *Server) error {
		s.readTimeout = timeout
		return nil
	}
}

// WithWriteTimeout sets the write timeout of the underlying http.Server.
// Zero means no timeout.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Server) error {
		s.writeTimeout = timeout
		return nil
	}
}

// WithLazyCompose defers route composition to the first request per route
// instead of composing everything in NewServer. Composition failures then
// surface as INTERNAL_SERVER_ERROR responses instead of a constructor error.
func WithLazyCompose() Option {
	return func(s *Server) error {
		s.lazyCompose = true
		return nil
	}
}

// WithLogger attaches a logger for transport-level events: listener
// lifecycle, body limit rejections, response encoding failures. The
// pipeline's own logging is configured on the application.
func WithLogger(logger graft.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}
