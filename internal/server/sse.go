package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentweave/agentweave-go/internal/task"
)

const streamPollInterval = 500 * time.Millisecond

// handleStream serves a task's lifecycle as server-sent events: task_update
// on each observed change, task_complete once the task is terminal, error
// when the task does not exist.
func (s *Server) handleStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	t, err := s.opts.Tasks.Get(c.Param("id"))
	if errors.Is(err, task.ErrNotFound) {
		writeSSE(c, "error", gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		writeSSE(c, "error", gin.H{"error": "internal error"})
		return
	}

	snap := t.Snapshot()
	writeSSE(c, "task_update", snap)
	if snap.State.Terminal() {
		writeSSE(c, "task_complete", snap)
		return
	}
	last := snap.UpdatedAt

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-t.Done():
		case <-ticker.C:
		}

		snap = t.Snapshot()
		if snap.UpdatedAt.After(last) {
			writeSSE(c, "task_update", snap)
			last = snap.UpdatedAt
		}
		if snap.State.Terminal() {
			writeSSE(c, "task_complete", snap)
			return
		}
	}
}

func writeSSE(c *gin.Context, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
	c.Writer.Flush()
}
