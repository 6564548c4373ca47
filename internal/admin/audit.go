package admin

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const maxAuditBodyBytes = 1024

// audit records every mutating call with the active profile before and after
// it, so a manual override can be traced back to a client and request id.
// Rejected and rate-limited calls are recorded too.
func (s *Server) audit(next http.Handler) http.Handler {
	logger := s.logger.Named("audit")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		before := s.ctl.Status()

		var body string
		if r.Body != nil {
			b, err := io.ReadAll(io.LimitReader(r.Body, maxAuditBodyBytes+1))
			if err == nil {
				if len(b) > maxAuditBodyBytes {
					body = string(b[:maxAuditBodyBytes]) + "...(truncated)"
				} else {
					body = string(b)
				}
				r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(b), r.Body))
			}
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		after := s.ctl.Status()
		logger.Info("Admin API audit",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("client_ip", clientIP(r)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("body", body),
			zap.Int("status", status),
			zap.String("profile_before", before.Profile),
			zap.String("profile_after", after.Profile),
			zap.String("mode_after", string(after.Mode)),
			zap.Duration("took", time.Since(start)),
		)
	})
}
