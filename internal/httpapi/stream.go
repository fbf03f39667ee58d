package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"polychat/internal/conversation"
)

// respond runs fn and writes its result as JSON, or as an SSE stream when the client
// accepts text/event-stream. The stream sends one data event per update and ends with
// "event: message" carrying the result, or "event: error".
//
// Headers are written with the first update, so a request that fails before anything
// was streamed (busy, not found) still gets a regular JSON error and status.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, fn func(conversation.StreamFunc) (any, error)) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		out, err := fn(nil)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, status, out)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}

	out, err := fn(func(step conversation.Step, text string, done bool) error {
		begin()
		if err := writeEvent(w, "", streamEvent{Step: string(step), Text: text, Done: done}); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !started {
		s.fail(w, r, err)
		return
	}
	begin()
	if err != nil {
		_, msg := statusFor(err)
		_ = writeEvent(w, "error", map[string]string{"error": msg})
	} else {
		_ = writeEvent(w, "message", out)
	}
	flusher.Flush()
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
