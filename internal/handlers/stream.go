package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pandeptwidyaop/formexport/internal/models"
	"github.com/pandeptwidyaop/formexport/internal/services"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Access is guarded by the API token, not the origin.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamHandler streams the progress events of a run over SSE or WebSocket.
type StreamHandler struct {
	orchestrator *services.ExportOrchestrator
	runService   *services.RunService
	log          *logrus.Entry
}

// NewStreamHandler creates a new StreamHandler instance.
func NewStreamHandler(orchestrator *services.ExportOrchestrator, runService *services.RunService) *StreamHandler {
	return &StreamHandler{
		orchestrator: orchestrator,
		runService:   runService,
		log:          logrus.WithField("component", "stream"),
	}
}

// subscribe returns a channel of events for an active run, or the recorded
// run when it already finished.
func (h *StreamHandler) subscribe(c *gin.Context, id string) (chan models.RunEvent, *models.ExportRun, error) {
	if current := h.orchestrator.Current(); current != nil && current.ID == id {
		ch := h.orchestrator.Subscribe(id)
		// The run may have completed before the subscription was registered.
		if still := h.orchestrator.Current(); still != nil && still.ID == id {
			return ch, nil, nil
		}
		h.orchestrator.Unsubscribe(id, ch)
	}

	run, err := h.runService.GetRun(c.Request.Context(), id)
	if err != nil {
		return nil, nil, err
	}
	return nil, run, nil
}

// Stream sends run events as server-sent events until the run finishes.
func (h *StreamHandler) Stream(c *gin.Context) {
	id := c.Param("id")

	ch, finished, err := h.subscribe(c, id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	if finished != nil {
		writeSSE(c.Writer, "complete", finished)
		c.Writer.Flush()
		return
	}
	defer h.orchestrator.Unsubscribe(id, ch)

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-ch:
			if !ok {
				return false
			}
			writeSSE(w, string(event.Type), event)
			return event.Type != models.EventRunFinished
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// WebSocket sends run events as JSON messages until the run finishes.
func (h *StreamHandler) WebSocket(c *gin.Context) {
	id := c.Param("id")

	ch, finished, err := h.subscribe(c, id)
	if err != nil {
		respondError(c, err)
		return
	}
	if ch != nil {
		defer h.orchestrator.Unsubscribe(id, ch)
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("Failed to upgrade to WebSocket")
		return
	}
	defer func() { _ = ws.Close() }()

	if finished != nil {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = ws.WriteJSON(gin.H{"type": "complete", "run": finished})
		return
	}

	// Reading detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(event); err != nil {
				h.log.WithError(err).WithField("run_id", id).Debug("WebSocket write failed")
				return
			}
			if event.Type == models.EventRunFinished {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
				return
			}
		case <-closed:
			return
		}
	}
}

func writeSSE(w io.Writer, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
