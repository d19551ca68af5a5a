// Package utils holds small generic helpers shared across the pipeline
// stages, mirroring the teacher's grab-bag internal/utils package.
package utils

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// LoggingHandler is an http middleware that logs request start/completion
// at Info level, including duration.
func LoggingHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		slog.Info("request started", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
		slog.Info("request completed", "path", r.URL.Path, "duration", time.Since(start))
	})
}

// Choose returns s if non-blank, otherwise fallback. Used to implement
// the ne_id/cell_id/swname identifier-precedence chains in §6.3.
func Choose(s, fallback string) string {
	if strings.TrimSpace(s) != "" {
		return s
	}
	return fallback
}

// ChooseInt returns i if non-zero, otherwise fallback.
func ChooseInt(i, fallback int) int {
	if i != 0 {
		return i
	}
	return fallback
}

// HeadN returns at most the first n elements of s.
func HeadN[T any](s []T, n int) []T {
	if n < 0 {
		n = 0
	}
	if len(s) <= n {
		return s
	}
	return s[:n]
}
