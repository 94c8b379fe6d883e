package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"wikichat/internal/knowledge"
)

func (h *Handler) Ping(c *gin.Context) {
	ok(c, gin.H{"message": "pong"})
}

// Health reports dependency reachability. The probe never errors, so this
// endpoint always answers 200; the payload says what is actually up.
func (h *Handler) Health(c *gin.Context) {
	st := h.Probe.Check(c.Request.Context())
	ok(c, gin.H{
		"store_reachable":    st.StoreReachable,
		"provider_reachable": st.ProviderReachable,
		"turns":              st.Turns,
		"checked_at":         st.CheckedAt,
	})
}

// DebugKnowledge exposes the retriever directly so operators can tell a
// broken lookup from a broken pipeline.
func (h *Handler) DebugKnowledge(c *gin.Context) {
	topic := strings.TrimSpace(c.Query("topic"))
	if topic == "" {
		fail(c, http.StatusBadRequest, 10006, "topic query parameter required")
		return
	}

	ext, err := h.Retriever.Lookup(c.Request.Context(), topic)
	if err != nil {
		var rerr *knowledge.RetrievalError
		if errors.As(err, &rerr) {
			failWith(c, http.StatusBadGateway, 50204, "knowledge lookup failed", gin.H{
				"transient": rerr.Transient,
				"reason":    rerr.Error(),
			})
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	ok(c, gin.H{
		"topic":      ext.Topic,
		"title":      ext.Title,
		"text":       ext.Text,
		"source_url": nullable(ext.SourceURL),
		"found":      ext.Found,
	})
}
