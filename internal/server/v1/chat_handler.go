package v1

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/provider-gateway/pkg/api"
)

// CreateCompletion runs a generation. With "stream": true the chunks are
// written as server-sent events and the stream ends with "data: [DONE]".
//
// POST /v1/chat/completions
func (h *Handler) CreateCompletion(c *gin.Context) {
	var req api.GenerateRequest
	if !h.bind(c, &req) {
		return
	}
	req.UserID = user(c, req.UserID)
	if id := c.GetHeader("X-Request-ID"); id != "" {
		req.RequestID = id
	}

	if req.Stream {
		h.stream(c, &req)
		return
	}

	resp, err := h.gateway.Generate(c.Request.Context(), &req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.Header("X-Request-ID", req.RequestID)
	c.JSON(http.StatusOK, resp)
}

// streamError is the SSE payload for a mid-stream failure.
type streamError struct {
	Error *api.Problem `json:"error"`
}

func (h *Handler) stream(c *gin.Context, req *api.GenerateRequest) {
	ch, err := h.gateway.GenerateStream(c.Request.Context(), req)
	if err != nil {
		// nothing written yet, so the usual problem response applies
		_ = c.Error(err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Request-ID", req.RequestID)
	c.Status(http.StatusOK)

	c.Stream(func(w io.Writer) bool {
		res, ok := <-ch
		if !ok {
			_, _ = io.WriteString(w, "data: [DONE]\n\n")
			return false
		}

		if res.Err != nil {
			data, _ := json.Marshal(streamError{Error: api.AsProblem(res.Err)})
			_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
			// keep draining so the forwarder can finish its accounting
			return true
		}

		data, err := json.Marshal(res.Chunk)
		if err != nil {
			return true
		}
		_, err = fmt.Fprintf(w, "data: %s\n\n", data)
		return err == nil
	})
}
