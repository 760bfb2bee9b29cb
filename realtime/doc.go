// Package realtime adapts websocket sessions onto graft routes.
//
// Handler produces an ordinary route handler: the full pipeline (hooks,
// validation, derive/resolve bindings) runs for the upgrading request, then
// the connection is upgraded with gorilla/websocket and handed to the
// session callbacks. The composed request context stays readable for the
// lifetime of the session, so a session can use the same bindings and store
// any other handler can.
//
//	app.Get("/feed", realtime.Handler(realtime.Events{
//		OnOpen: func(s *realtime.Session) {
//			_ = s.SendJSON(map[string]any{"hello": s.Context().Param("room")})
//		},
//		OnMessage: func(s *realtime.Session, data []byte) {
//			_ = s.SendText(string(data))
//		},
//	}))
//
// Outbound frames are queued on a buffered channel and written by a single
// pump goroutine. When a backlog that filled the buffer has been written out
// completely, OnDrain fires. OnClose fires exactly once per session, from
// whichever side ends it. When an outbound schema is configured, every
// SendJSON payload is checked before the frame is written; failing payloads
// are dropped and reported to OnError with a VALIDATION failure.
//
// The upgrade needs the transport's cooperation: the serving engine must
// fill RequestInfo.Upgrade (ginengine does). Routes using Handler must be
// registered for GET, which is what the websocket handshake uses.
package realtime
