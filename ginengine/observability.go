package ginengine

// Transport-level log vocabulary. The pipeline's own logging happens in the
// core package; only events the engine answers without entering the pipeline
// show up here.
const (
	logMsgServerStarting    = "http server starting"
	logMsgServerStopped     = "http server stopped"
	logMsgBodyLimitExceeded = "request body limit exceeded"
	logMsgBodyReadFailed    = "request body read failed"
	logMsgEncodeFailed      = "response body encoding failed"

	logAttrAddr   = "addr"
	logAttrApp    = "app"
	logAttrError  = "error"
	logAttrMethod = "method"
	logAttrPath   = "path"
	logAttrLimit  = "limit_bytes"
)

func (s *Server) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Server) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func (s *Server) logError(msg string, err error, args ...any) {
	if s.logger != nil {
		allArgs := []any{logAttrError, err.Error()}
		allArgs = append(allArgs, args...)
		s.logger.Error(msg, allArgs...)
	}
}
