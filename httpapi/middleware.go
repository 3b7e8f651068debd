package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"viewingflow/auth"
	"viewingflow/logging"
)

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := logging.WithLogger(r.Context(), s.logger)
		ctx = logging.WithRequestID(ctx, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.L(r.Context()).Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rv := recover(); rv != nil {
				logging.L(r.Context()).Error("handler panic", "panic", rv, "path", r.URL.Path)
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Kind: "internal"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token", Kind: "unauthorized"})
			return
		}
		p, err := s.tokens.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			logging.L(r.Context()).Debug("token rejected", "error", err)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token", Kind: "unauthorized"})
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, p.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, p.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if roleFrom(r.Context()) != auth.RoleAdmin {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "admin role required", Kind: "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) verifyCallback(r *http.Request) bool {
	if s.callbacks == nil {
		return false
	}
	return s.callbacks.Verify(r.Header.Get("X-Callback-Secret")) == nil
}
