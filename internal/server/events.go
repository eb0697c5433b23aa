package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const heartbeatInterval = 15 * time.Second

// handleScanEvents streams scan progress as server-sent events.
//
// Events: "state" once on connect with the tracker contents, "log" for every
// new log entry, "progress" with the latest snapshot and "done" with the
// outcome, after which the stream ends. Progress is coalesced for slow
// clients; log entries are not, unless they fall out of the tracker window.
func (s *Server) handleScanEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	sendEvent := func(event string, data interface{}) {
		jsonData, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
		flusher.Flush()
	}

	wait := s.tracker.Wait()
	st := s.tracker.Snapshot()
	sendEvent("state", st)
	if st.Outcome != nil {
		sendEvent("done", st.Outcome)
		return
	}
	sent := st.LogSeq

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
			continue
		case <-wait:
		}

		wait = s.tracker.Wait()
		st := s.tracker.Snapshot()

		if st.LogSeq < sent {
			// A new session reset the tracker.
			sent = 0
		}
		if fresh := st.LogSeq - sent; fresh > 0 {
			if fresh > len(st.Logs) {
				fresh = len(st.Logs)
			}
			for _, entry := range st.Logs[len(st.Logs)-fresh:] {
				sendEvent("log", entry)
			}
			sent = st.LogSeq
		}
		if st.Progress != nil {
			sendEvent("progress", st.Progress)
		}
		if st.Outcome != nil {
			sendEvent("done", st.Outcome)
			return
		}
	}
}
