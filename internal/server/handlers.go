package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/iggafy/dropaline-sub000/internal/drops"
	"github.com/iggafy/dropaline-sub000/internal/engine"
	"github.com/iggafy/dropaline-sub000/internal/feed"
	"github.com/iggafy/dropaline-sub000/internal/gate"
	"go.uber.org/zap"
)

type feedItemPayload struct {
	DropID           string        `json:"drop_id"`
	AuthorID         string        `json:"author_id"`
	AuthorHandle     string        `json:"author_handle"`
	Title            string        `json:"title"`
	Layout           string        `json:"layout"`
	Body             []drops.Block `json:"body"`
	CreatedAtSeconds int64         `json:"created_at_s"`
	AutoPrint        bool          `json:"auto_print"`
	Status           string        `json:"status"`
}

type feedResponsePayload struct {
	Items []feedItemPayload `json:"items"`
}

func (h *httpHandler) handleFeed(c *gin.Context) {
	items, err := h.engine.Feed(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to load feed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "feed_failed"})
		return
	}

	response := feedResponsePayload{Items: make([]feedItemPayload, 0, len(items))}
	for _, item := range items {
		payload, err := newFeedItemPayload(item)
		if err != nil {
			h.logger.Warn("skipping unreadable drop", zap.String("drop_id", item.DropID()), zap.Error(err))
			continue
		}
		response.Items = append(response.Items, payload)
	}
	c.JSON(http.StatusOK, response)
}

func newFeedItemPayload(item feed.Item) (feedItemPayload, error) {
	blocks, err := item.Drop.Blocks()
	if err != nil {
		return feedItemPayload{}, err
	}
	return feedItemPayload{
		DropID:           item.Drop.DropID,
		AuthorID:         item.Drop.AuthorID,
		AuthorHandle:     item.AuthorHandle,
		Title:            item.Drop.Title,
		Layout:           string(item.Drop.Layout),
		Body:             blocks,
		CreatedAtSeconds: item.Drop.CreatedAtSeconds,
		AutoPrint:        item.AutoPrint,
		Status:           string(item.Status),
	}, nil
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	snapshot, err := h.engine.Snapshot(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read engine state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot_failed"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type policyRequestPayload struct {
	Policy string `json:"policy"`
}

func (h *httpHandler) handleSetPolicy(c *gin.Context) {
	var request policyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	policy, err := gate.ParsePolicy(request.Policy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy"})
		return
	}
	if err := h.engine.SetPolicy(c.Request.Context(), policy); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "policy_update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"policy":     policy.String(),
		"gated":      policy.Gated(),
		"configured": gate.Configured(policy),
	})
}

type deviceRequestPayload struct {
	Device string `json:"device"`
}

func (h *httpHandler) handleSetDevice(c *gin.Context) {
	var request deviceRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Device) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	device := strings.TrimSpace(request.Device)
	if err := h.engine.SetDevice(c.Request.Context(), device); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "device_update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": device})
}

func (h *httpHandler) handleRunBatch(c *gin.Context) {
	batch, err := h.engine.RunBatch(c.Request.Context())
	switch {
	case errors.Is(err, engine.ErrBatchInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "batch_in_progress"})
		return
	case errors.Is(err, engine.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine_stopped"})
		return
	case err != nil:
		h.logger.Error("failed to start batch", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "batch_failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"batch": batch.Report()})
}

type publishRequestPayload struct {
	Title  string        `json:"title"`
	Layout string        `json:"layout"`
	Body   []drops.Block `json:"body"`
}

func (h *httpHandler) handlePublish(c *gin.Context) {
	var request publishRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	drop, err := h.drops.Publish(c.Request.Context(), drops.Draft{
		AuthorID: h.owner,
		Title:    strings.TrimSpace(request.Title),
		Body:     request.Body,
		Layout:   drops.Layout(request.Layout),
	})
	if err != nil {
		h.respondServiceError(c, "publish_failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"drop_id":      drop.DropID,
		"title":        drop.Title,
		"layout":       drop.Layout,
		"created_at_s": drop.CreatedAtSeconds,
	})
}

type dropPayload struct {
	DropID           string        `json:"drop_id"`
	AuthorID         string        `json:"author_id"`
	Title            string        `json:"title"`
	Layout           string        `json:"layout"`
	Body             []drops.Block `json:"body"`
	CreatedAtSeconds int64         `json:"created_at_s"`
}

func (h *httpHandler) handleGetDrop(c *gin.Context) {
	dropID, err := drops.NewDropID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_drop_id"})
		return
	}
	drop, err := h.drops.Get(c.Request.Context(), dropID)
	if err != nil {
		h.respondServiceError(c, "drop_lookup_failed", err)
		return
	}
	blocks, err := drop.Blocks()
	if err != nil {
		h.logger.Warn("unreadable drop body", zap.String("drop_id", drop.DropID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "drop_unreadable"})
		return
	}
	c.JSON(http.StatusOK, dropPayload{
		DropID:           drop.DropID,
		AuthorID:         drop.AuthorID,
		Title:            drop.Title,
		Layout:           string(drop.Layout),
		Body:             blocks,
		CreatedAtSeconds: drop.CreatedAtSeconds,
	})
}

func (h *httpHandler) handlePrintNow(c *gin.Context) {
	dropID, err := drops.NewDropID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_drop_id"})
		return
	}
	err = h.engine.PrintNow(c.Request.Context(), dropID.String())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"drop_id": dropID.String(), "status": "printed"})
	case errors.Is(err, engine.ErrPrintInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "print_in_progress"})
	case errors.Is(err, engine.ErrDropNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "drop_not_found"})
	case errors.Is(err, engine.ErrPrintFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "print_failed"})
	case errors.Is(err, engine.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine_stopped"})
	default:
		h.logger.Error("manual print failed", zap.String("drop_id", dropID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "print_failed"})
	}
}

type subscriptionRequestPayload struct {
	AutoPrint bool `json:"auto_print"`
}

func (h *httpHandler) handleSubscribe(c *gin.Context) {
	creatorID, err := drops.NewUserID(c.Param("creator"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_creator"})
		return
	}
	var request subscriptionRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	if err := h.drops.Subscribe(c.Request.Context(), h.owner, creatorID, request.AutoPrint); err != nil {
		h.respondServiceError(c, "subscribe_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"creator_id": creatorID.String(), "auto_print": request.AutoPrint})
}

type autoPrintRequestPayload struct {
	AutoPrint *bool `json:"auto_print"`
}

func (h *httpHandler) handleSetAutoPrint(c *gin.Context) {
	creatorID, err := drops.NewUserID(c.Param("creator"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_creator"})
		return
	}
	var request autoPrintRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.AutoPrint == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.drops.SetAutoPrint(c.Request.Context(), h.owner, creatorID, *request.AutoPrint); err != nil {
		h.respondServiceError(c, "auto_print_update_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"creator_id": creatorID.String(), "auto_print": *request.AutoPrint})
}

func (h *httpHandler) handleUnsubscribe(c *gin.Context) {
	creatorID, err := drops.NewUserID(c.Param("creator"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_creator"})
		return
	}
	if err := h.drops.Unsubscribe(c.Request.Context(), h.owner, creatorID); err != nil {
		h.respondServiceError(c, "unsubscribe_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondServiceError(c *gin.Context, fallback string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, drops.ErrInvalidLayout),
		errors.Is(err, drops.ErrInvalidUserID),
		errors.Is(err, drops.ErrSelfSubscription):
		status = http.StatusBadRequest
	case errors.Is(err, drops.ErrSubscriptionNotFound), errors.Is(err, drops.ErrDropNotFound):
		status = http.StatusNotFound
	}

	body := gin.H{"error": fallback}
	var serviceErr *drops.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("drop service call failed", zap.String("reason", fallback), zap.Error(err))
	}
	c.JSON(status, body)
}
