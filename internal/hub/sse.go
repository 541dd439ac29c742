package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrStreamingUnsupported = errors.New("hub: response writer does not support flushing")

// Serve writes s to w as a text/event-stream until ctx is cancelled, s is
// closed or a write fails. Comment lines are sent every keepAlive so idle
// proxies keep the connection open. The caller unregisters s afterwards.
func Serve(ctx context.Context, w http.ResponseWriter, s *Stream, keepAlive time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Done():
			// drain whatever was queued before the close
			for {
				select {
				case ev := <-s.Events():
					if err := writeEvent(w, ev); err != nil {
						return err
					}
				default:
					flusher.Flush()
					return nil
				}
			}
		case ev := <-s.Events():
			if err := writeEvent(w, ev); err != nil {
				return err
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
