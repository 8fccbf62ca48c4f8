// Package web embeds the patient intake console and serves it.
package web

import (
	_ "embed"
	"log/slog"
	"net/http"
)

//go:embed dist/index.html
var consoleHTML []byte

// ConsoleHandler serves the single-page console for every path it is
// mounted on.
func ConsoleHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		if r.Method == http.MethodHead {
			return
		}
		if _, err := w.Write(consoleHTML); err != nil {
			slog.Debug("web: failed to write console", "error", err)
		}
	})
}
