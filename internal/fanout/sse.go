package fanout

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

// SSEHandler streams an operator subscription as server-sent events. The
// subscription is cancelled when the client disconnects.
func SSEHandler(reg *Registry, operatorID uint) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		sub := reg.Subscribe(operatorID)
		defer sub.Cancel()

		writeSSE(c.Writer, "connected", map[string]any{"operator_id": operatorID})
		c.Writer.Flush()

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case d, ok := <-sub.Deltas():
				if !ok {
					// Overrun or registry shutdown; the client should
					// reconnect and refetch.
					writeSSE(c.Writer, "reset", map[string]string{"reason": "resubscribe"})
					c.Writer.Flush()
					return
				}
				writeSSE(c.Writer, d.Kind, d)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
