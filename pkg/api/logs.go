package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/risehq/rise/pkg/backend"
	"github.com/risehq/rise/pkg/events"
	"github.com/risehq/rise/pkg/log"
)

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := s.projectFromRequest(w, r, false)
	if p == nil {
		return
	}
	d := s.deploymentFromRequest(w, r, p)
	if d == nil {
		return
	}

	q := r.URL.Query()
	opts := backend.LogOptions{
		Follow:     q.Get("follow") == "true",
		Timestamps: q.Get("timestamps") == "true",
	}
	if raw := q.Get("tail"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid tail")
			return
		}
		opts.TailLines = n
	}
	if raw := q.Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid since")
			return
		}
		opts.SinceSeconds = n
	}

	stream, err := s.backend.StreamLogs(ctx, d, opts)
	if err != nil {
		log.WithDeployment(d.DeploymentID).Error().Err(err).Msg("failed to open log stream")
		respondError(w, http.StatusBadGateway, "log stream unavailable")
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				log.WithDeployment(d.DeploymentID).Debug().Err(err).Msg("log stream ended")
			}
			return
		}
	}
}

// handleFollow streams deployment status events as server-sent events until
// the deployment reaches a terminal or active state.
func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := s.projectFromRequest(w, r, false)
	if p == nil {
		return
	}
	d := s.deploymentFromRequest(w, r, p)
	if d == nil {
		return
	}
	if s.broker == nil {
		respondError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.broker.Subscribe(events.Filter{DeploymentID: d.ID})
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	// Seed the stream with the current state so the client never waits for
	// the first transition.
	writeSSE(w, &events.Event{
		Type:         events.EventDeploymentStatus,
		ProjectID:    d.ProjectID,
		DeploymentID: d.ID,
		Status:       d.Status,
	})
	flusher.Flush()
	if terminalOrActive(d.Status) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, open := <-sub:
			if !open {
				return
			}
			writeSSE(w, e)
			flusher.Flush()
			if e.Terminal() || terminalOrActive(e.Status) {
				return
			}
		}
	}
}

func writeSSE(w io.Writer, e *events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}
