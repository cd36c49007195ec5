package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lucasnoah/cihealer/internal/pipeline"
)

// notFoundPolls is how long a stream waits for a just-launched run to
// appear before giving up.
const notFoundPolls = 5

// handleRunStream serves a Server-Sent Events stream of one run. Every poll
// it sends new run events as "event: <name>" messages and, when the state
// version changed, a "state" message with the run summary. When the run is
// no longer RUNNING it sends a "done" event carrying the final status.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present

	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()

	var (
		lastVersion int64 = -1
		afterID     int64
		missing     int
	)
	for {
		st, err := s.runs.Get(id)
		switch {
		case errors.Is(err, pipeline.ErrNotFound):
			missing++
			if missing >= notFoundPolls {
				sendDone("run not found")
				return
			}
		case err != nil:
			sendDone("error: " + err.Error())
			return
		default:
			if s.db != nil {
				events, err := s.db.GetRunEvents(id, afterID)
				if err != nil {
					s.log.Warn("read run events failed", "run_id", id, "error", err)
				}
				for _, e := range events {
					writeEvent(w, e.Event, e)
					afterID = e.ID
				}
			}
			if st.Version != lastVersion {
				writeEvent(w, "state", Summarize(st))
				lastVersion = st.Version
			}
			flusher.Flush()
			if st.Status != pipeline.StatusRunning {
				sendDone(st.Status)
				return
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}
