// internal/middleware/logging.go

package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader carries the id tagged on every request log entry.
const RequestIDHeader = "X-Request-ID"

// LogMiddleware is an HTTP middleware that logs incoming requests using Logrus.
// Logs the method, path, lobby player and duration of each request. A request id
// is taken from X-Request-ID or generated, and echoed back on the response.
func LogMiddleware(logger logrus.FieldLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := r.URL.Path
			method := r.Method

			reqID := r.Header.Get(RequestIDHeader)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, reqID)

			next.ServeHTTP(w, r)

			fields := logrus.Fields{
				"method":   method,
				"path":     path,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
				"request":  reqID,
			}
			if uid := r.URL.Query().Get("uid"); uid != "" {
				fields["player"] = uid
			}
			logger.WithFields(fields).Info("HTTP Request")
		})
	}
}

// LogWebSocketConnect logs a message when a WebSocket client connects.
func LogWebSocketConnect(logger logrus.FieldLogger, remoteAddr, path, lobby, player string) {
	logger.WithFields(logrus.Fields{
		"remote": remoteAddr,
		"path":   path,
		"lobby":  lobby,
		"player": player,
	}).Info("WebSocket connected")
}

// LogWebSocketDisconnect logs a message when a WebSocket client disconnects.
func LogWebSocketDisconnect(logger logrus.FieldLogger, remoteAddr, path, lobby, player string, err error) {
	fields := logrus.Fields{
		"remote": remoteAddr,
		"path":   path,
		"lobby":  lobby,
		"player": player,
	}
	if err != nil {
		fields["error"] = err
	}
	logger.WithFields(fields).Info("WebSocket disconnected")
}
