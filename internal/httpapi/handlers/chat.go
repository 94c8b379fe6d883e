package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"wikichat/internal/ai"
	"wikichat/internal/chat"
)

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, gin.H{
		"code":    0,
		"message": "accepted",
		"data":    data,
	})
}

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

func failWith(c *gin.Context, httpStatus int, code int, msg string, data any) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    data,
	})
}

type chatReq struct {
	Query        string   `json:"query" binding:"required"`
	UseKnowledge bool     `json:"use_knowledge"`
	MaxTokens    *int     `json:"max_tokens"`
	Temperature  *float64 `json:"temperature"`
}

// resolve fills the tuning fields the caller left unset from the configured
// defaults, then hands off to the service for validation.
func (h *Handler) resolve(req chatReq) chat.Request {
	out := chat.Request{
		Query:        req.Query,
		UseKnowledge: req.UseKnowledge,
		MaxTokens:    h.Defaults.DefaultMaxTokens,
		Temperature:  h.Defaults.DefaultTemperature,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	return out
}

func (h *Handler) Chat(c *gin.Context) {
	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	resp, err := h.Svc.Handle(c.Request.Context(), h.resolve(req))
	if err != nil {
		h.failChat(c, err)
		return
	}

	payload := gin.H{
		"answer":         resp.Answer,
		"query":          resp.Query,
		"used_knowledge": resp.UsedKnowledge,
		"source_url":     nullable(resp.SourceURL),
		"model":          resp.Model,
		"tokens_used":    resp.TokensUsed,
		"persisted":      resp.Persisted,
		"turn_id":        resp.TurnID,
		"created_at":     resp.CreatedAt,
	}
	if !resp.Persisted {
		payload["warning"] = "answer was generated but could not be saved to history"
	}
	ok(c, payload)
}

// failChat maps pipeline errors to HTTP statuses. Provider failures carry the
// failure kind so callers can tell a retryable error from a permanent one.
func (h *Handler) failChat(c *gin.Context, err error) {
	var verr *chat.ValidationError
	if errors.As(err, &verr) {
		fail(c, http.StatusBadRequest, 10002, verr.Error())
		return
	}

	var genErr *ai.GenerationError
	if errors.As(err, &genErr) {
		status := http.StatusBadGateway
		switch genErr.Kind {
		case ai.KindRateLimited:
			status = http.StatusTooManyRequests
		case ai.KindTimeout:
			status = http.StatusGatewayTimeout
		}
		failWith(c, status, 50203, "generation failed", gin.H{
			"kind":      genErr.Kind,
			"transient": genErr.Transient(),
		})
		return
	}

	h.Log.Error("chat request failed", zap.Error(err))
	fail(c, http.StatusInternalServerError, 50001, "internal error")
}

func (h *Handler) History(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		fail(c, http.StatusBadRequest, 10003, "limit must be an integer")
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		fail(c, http.StatusBadRequest, 10003, "offset must be a non-negative integer")
		return
	}

	turns, total, err := h.Svc.History(c.Request.Context(), limit, offset)
	if err != nil {
		h.Log.Error("list history failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, 50002, "failed to list history")
		return
	}

	ok(c, gin.H{
		"turns": turns,
		"total": total,
	})
}

func (h *Handler) ClearHistory(c *gin.Context) {
	n, err := h.Svc.ClearHistory(c.Request.Context())
	if err != nil {
		h.Log.Error("clear history failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, 50002, "failed to clear history")
		return
	}

	ok(c, gin.H{"cleared": n})
}

func (h *Handler) ChatAsync(c *gin.Context) {
	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		fail(c, http.StatusBadRequest, 10004, "idempotency key too long")
		return
	}

	job, _, err := h.Svc.EnqueueGeneration(c.Request.Context(), h.resolve(req), idempoKey)
	if err != nil {
		var verr *chat.ValidationError
		if errors.As(err, &verr) {
			fail(c, http.StatusBadRequest, 10002, verr.Error())
			return
		}
		h.Log.Error("enqueue chat job failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, 50003, "enqueue failed")
		return
	}

	accepted(c, gin.H{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (h *Handler) Job(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		fail(c, http.StatusBadRequest, 10005, "job_id required")
		return
	}

	j, err := h.Svc.JobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		h.Log.Error("fetch chat job failed", zap.Error(err), zap.String("job_id", jobID))
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	ok(c, gin.H{
		"job": gin.H{
			"id":             j.ID,
			"status":         j.Status,
			"attempts":       j.Attempts,
			"result_turn_id": j.ResultTurnID,
			"error":          j.Error,
			"created_at":     j.CreatedAt,
			"updated_at":     j.UpdatedAt,
		},
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
