package realtime_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graft-http/graft"
	"github.com/graft-http/graft/ginengine"
	"github.com/graft-http/graft/realtime"
)

func Test_Handler_UpgradesAndExposesTheComposedContext(t *testing.T) {
	// setup
	app := newApp(t)
	app.Decorate("region", "eu-west")
	app.Derive("visitor", func(c *graft.Context) (any, error) {
		return "v-" + c.Query("tag"), nil
	})
	app.Get("/feed", realtime.Handler(realtime.Events{
		OnOpen: func(s *realtime.Session) {
			region, _ := s.Context().Get("region")
			visitor, _ := s.Context().Get("visitor")
			_ = s.SendJSON(map[string]any{"region": region, "visitor": visitor})
		},
		OnMessage: func(s *realtime.Session, data []byte) {
			_ = s.SendText("echo:" + string(data))
		},
	}))

	wsURL := newSocketServer(t, app)

	// act
	conn := dial(t, wsURL+"/feed?tag=7", nil)

	greeting := decodeFrame(t, readFrame(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	echoed := readFrame(t, conn)

	// assert
	assert.Equal(t, "eu-west", greeting["region"])
	assert.Equal(t, "v-7", greeting["visitor"])
	assert.Equal(t, "echo:hi", string(echoed))
}

func Test_Handler_OutboundSchemaBlocksInvalidPayloads(t *testing.T) {
	// setup
	checker, err := graft.NewValidatorCompiler(nil).Compile(graft.Rules{"kind": "required"})
	require.NoError(t, err)

	rejections := make(chan error, 1)

	app := newApp(t)
	app.Get("/feed", realtime.Handler(realtime.Events{
		OnMessage: func(s *realtime.Session, _ []byte) {
			_ = s.SendJSON(map[string]any{"note": "kind is missing"})
			_ = s.SendJSON(map[string]any{"kind": "update"})
		},
		OnError: func(_ *realtime.Session, err error) {
			select {
			case rejections <- err:
			default:
			}
		},
	}, realtime.WithOutboundSchema(checker)))

	wsURL := newSocketServer(t, app)
	conn := dial(t, wsURL+"/feed", nil)

	// act
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("go")))
	delivered := decodeFrame(t, readFrame(t, conn))

	// assert
	assert.Equal(t, "update", delivered["kind"], "the rejected frame must not reach the peer")

	select {
	case err := <-rejections:
		var failure *graft.Error
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, graft.CodeValidation, failure.Code)
		require.Len(t, failure.Faults, 1)
		assert.Equal(t, "kind", failure.Faults[0].Path)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the rejected payload to be reported")
	}
}

func Test_Handler_ClosesTheSessionExactlyOnce(t *testing.T) {
	t.Run("peer closes normally", func(t *testing.T) {
		// setup
		var closes atomic.Int32
		closed := make(chan error, 1)

		app := newApp(t)
		app.Get("/feed", realtime.Handler(realtime.Events{
			OnClose: func(_ *realtime.Session, err error) {
				closes.Add(1)
				closed <- err
			},
		}))

		wsURL := newSocketServer(t, app)
		conn := dial(t, wsURL+"/feed", nil)

		// act
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		require.NoError(t, conn.WriteMessage(websocket.CloseMessage, message))

		// assert
		select {
		case err := <-closed:
			assert.NoError(t, err, "a normal closure must not surface as an error")
		case <-time.After(2 * time.Second):
			t.Fatal("expected the session to close")
		}

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), closes.Load())
	})

	t.Run("server closes the session", func(t *testing.T) {
		// setup
		var closes atomic.Int32
		closed := make(chan error, 1)

		app := newApp(t)
		app.Get("/feed", realtime.Handler(realtime.Events{
			OnMessage: func(s *realtime.Session, data []byte) {
				if string(data) == "quit" {
					s.Close()
				}
			},
			OnClose: func(_ *realtime.Session, err error) {
				closes.Add(1)
				closed <- err
			},
		}))

		wsURL := newSocketServer(t, app)
		conn := dial(t, wsURL+"/feed", nil)

		// act
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("quit")))

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, readErr := conn.ReadMessage()

		// assert
		assert.True(t, websocket.IsCloseError(readErr, websocket.CloseNormalClosure),
			"the peer should see a normal closure, got: %v", readErr)

		select {
		case err := <-closed:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("expected the session to close")
		}

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), closes.Load())
	})
}

func Test_Handler_SignalsDrainAfterBackloggedWrites(t *testing.T) {
	// setup
	var drains atomic.Int32

	app := newApp(t)
	app.Get("/feed", realtime.Handler(realtime.Events{
		OnOpen: func(s *realtime.Session) {
			_ = s.SendText("one")
			_ = s.SendText("two")
			_ = s.SendText("three")
		},
		OnDrain: func(_ *realtime.Session) {
			drains.Add(1)
		},
	}, realtime.WithWriteBuffer(0)))

	wsURL := newSocketServer(t, app)

	// act
	conn := dial(t, wsURL+"/feed", nil)

	received := []string{
		string(readFrame(t, conn)),
		string(readFrame(t, conn)),
		string(readFrame(t, conn)),
	}

	// assert
	assert.Equal(t, []string{"one", "two", "three"}, received)
	require.Eventually(t, func() bool { return drains.Load() >= 1 },
		2*time.Second, 10*time.Millisecond, "expected a drain signal once the backlog emptied")
}

func Test_Handler_ReadLimitEndsOversizedSessions(t *testing.T) {
	// setup
	closed := make(chan error, 1)

	app := newApp(t)
	app.Get("/feed", realtime.Handler(realtime.Events{
		OnClose: func(_ *realtime.Session, err error) {
			closed <- err
		},
	}, realtime.WithReadLimit(8)))

	wsURL := newSocketServer(t, app)
	conn := dial(t, wsURL+"/feed", nil)

	// act
	oversized := strings.Repeat("x", 64)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(oversized)))

	// assert
	select {
	case err := <-closed:
		require.ErrorIs(t, err, websocket.ErrReadLimit)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the oversized frame to end the session")
	}
}

func Test_Handler_OriginChecks(t *testing.T) {
	crossOrigin := http.Header{"Origin": []string{"http://elsewhere.example"}}

	t.Run("cross origin handshakes are refused by default", func(t *testing.T) {
		app := newApp(t)
		app.Get("/feed", realtime.Handler(realtime.Events{}))

		wsURL := newSocketServer(t, app)

		dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
		conn, res, err := dialer.Dial(wsURL+"/feed", crossOrigin) //nolint:bodyclose

		require.Error(t, err)
		require.NotNil(t, res)
		defer func() { _ = res.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, res.StatusCode)
		assert.Nil(t, conn)
	})

	t.Run("a custom origin check can allow them", func(t *testing.T) {
		app := newApp(t)
		app.Get("/feed", realtime.Handler(realtime.Events{
			OnOpen: func(s *realtime.Session) { _ = s.SendText("welcome") },
		}, realtime.WithCheckOrigin(func(*http.Request) bool { return true })))

		wsURL := newSocketServer(t, app)
		conn := dial(t, wsURL+"/feed", crossOrigin)

		assert.Equal(t, "welcome", string(readFrame(t, conn)))
	})
}

func Test_Handler_FailsWithoutAnUpgradeCarrier(t *testing.T) {
	// setup
	app := newApp(t)
	app.Get("/feed", realtime.Handler(realtime.Events{}))

	routes := app.Routes()
	require.Len(t, routes, 1)

	// act
	res := routes[0].Execute(graft.NewContext(context.Background(), graft.RequestInfo{
		Method:  http.MethodGet,
		Path:    "/feed",
		RawPath: "/feed",
	}))

	// assert
	require.Equal(t, http.StatusInternalServerError, res.Status)
	body, ok := res.Body.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, graft.CodeInternalServerError, body["code"])
}

func Test_Handler_RejectsBadOptions(t *testing.T) {
	// setup
	app := newApp(t)
	app.Get("/feed", realtime.Handler(realtime.Events{}, realtime.WithWriteBuffer(-1)))

	wsURL := newSocketServer(t, app)

	// act
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, res, err := dialer.Dial(wsURL+"/feed", nil) //nolint:bodyclose

	// assert
	require.Error(t, err)
	require.NotNil(t, res)
	defer func() { _ = res.Body.Close() }()
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Nil(t, conn)
}

/***** test helpers *****/

func newApp(t *testing.T) *graft.App {
	t.Helper()

	app, err := graft.New(graft.WithName("realtime-test"))
	require.NoError(t, err)

	return app
}

func newSocketServer(t *testing.T, app *graft.App) string {
	t.Helper()

	srv, err := ginengine.NewServer(app)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, res, err := dialer.Dial(url, header)
	require.NoError(t, err)
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	return data
}

func decodeFrame(t *testing.T, data []byte) map[string]any {
	t.Helper()

	var decoded map[string]any
	require.NoError(t, jsoniter.ConfigFastest.Unmarshal(data, &decoded))

	return decoded
}
