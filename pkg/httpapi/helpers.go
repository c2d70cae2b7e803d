package httpapi

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hermesindex/hermesindex/pkg/errkind"
)

// responseWriter wraps http.ResponseWriter to capture the status code for
// request logging, and to keep the handler chain streaming-capable.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform shape for every non-2xx response.
type errorBody struct {
	Error struct {
		Kind    errkind.Kind `json:"kind"`
		Message string       `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := errkind.KindOf(err)
	status := errkind.HTTPStatus(kind)
	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

func logRequest(r *http.Request, status int, duration time.Duration) {
	fmt.Printf("[HTTP] %s %s %d %v\n", r.Method, r.URL.Path, status, duration)
}

func logStartup(format string, args ...interface{}) {
	log.Printf(format, args...)
}
