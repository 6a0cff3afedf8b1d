package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"signal-trader/internal/order"
	"signal-trader/internal/signal"
	"signal-trader/pkg/db"
)

const maxListLimit = 1000

func (s *Server) getSystemStatus(c *gin.Context) {
	resp := gin.H{
		"broker":      s.Meta.Broker,
		"dry_run":     s.Meta.DryRun,
		"instance_id": s.Meta.InstanceID,
		"telegram":    s.Meta.Telegram,
		"version":     s.Meta.Version,
	}
	if s.Signals != nil {
		resp["queue_pending"] = s.Signals.Pending()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getStats(c *gin.Context) {
	if s.Metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "METRICS_DISABLED", "error": "metrics not configured"})
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) getOrders(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_LIMIT", "error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	orders, err := s.DB.Queries().ListOrders(c.Request.Context(), limit)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": nonNil(orders), "count": len(orders)})
}

func (s *Server) getPendingOrders(c *gin.Context) {
	orders, err := s.DB.Queries().ListPendingOrders(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": nonNil(orders), "count": len(orders)})
}

func (s *Server) getOrder(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ID", "error": "order id must be numeric"})
		return
	}
	o, err := s.DB.Queries().GetOrder(c.Request.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "ORDER_NOT_FOUND", "error": "order not found"})
		return
	}
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) getOrderBySource(c *gin.Context) {
	o, err := s.DB.Queries().GetOrderBySourceID(c.Request.Context(), c.Param("source_id"))
	if err != nil {
		internalError(c, err)
		return
	}
	if o == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "ORDER_NOT_FOUND", "error": "no order for source message"})
		return
	}
	c.JSON(http.StatusOK, o)
}

// getSourceEvents returns the journaled history of one source message.
func (s *Server) getSourceEvents(c *gin.Context) {
	list, err := s.DB.Queries().ListEvents(c.Request.Context(), c.Param("source_id"), maxListLimit)
	if err != nil {
		internalError(c, err)
		return
	}
	if list == nil {
		list = []db.EventRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"events": list, "count": len(list)})
}

type submitRequest struct {
	// Text is a raw alert as it would appear in the chat.
	Text      string `json:"text"`
	MessageID string `json:"message_id"`

	// Structured alternative to Text.
	Instrument  string   `json:"instrument"`
	Action      string   `json:"action"`
	EntryRange  string   `json:"entry_range"`
	TakeProfits []string `json:"take_profits"`
	StopLoss    string   `json:"stop_loss"`
	Volume      float64  `json:"volume"`
}

// submitSignal queues a manual signal, either raw text or structured fields.
func (s *Server) submitSignal(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	id := strings.TrimSpace(req.MessageID)
	if id == "" {
		id = "api:" + uuid.NewString()
	}

	if strings.TrimSpace(req.Text) != "" {
		ok, err := s.Signals.TrySubmit(req.Text, id)
		if err != nil {
			queueError(c, err)
			return
		}
		if !ok {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "NOT_A_SIGNAL", "error": "text has no signal header line"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"source_message_id": id, "status": "queued"})
		return
	}

	action, ok := signal.ParseAction(req.Action)
	instrument := strings.ToUpper(strings.TrimSpace(req.Instrument))
	if !ok || instrument == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_SIGNAL", "error": "instrument and action (Buy/Sell) are required"})
		return
	}
	if req.Volume < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_VOLUME", "error": "volume must not be negative"})
		return
	}
	sig := signal.Signal{
		SourceMessageID: id,
		Instrument:      instrument,
		Action:          action,
		EntryRange:      strings.ReplaceAll(strings.TrimSpace(req.EntryRange), " ", ""),
		StopLoss:        strings.TrimSpace(req.StopLoss),
		Volume:          req.Volume,
	}
	if len(req.TakeProfits) > 0 {
		sig.TakeProfits = req.TakeProfits
	}
	if err := s.Signals.TryEnqueue(sig); err != nil {
		queueError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"source_message_id": id, "status": "queued"})
}

func queueError(c *gin.Context, err error) {
	code := "QUEUE_UNAVAILABLE"
	if errors.Is(err, order.ErrQueueFull) {
		code = "QUEUE_FULL"
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"code": code, "error": err.Error()})
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
}

func nonNil(orders []db.Order) []db.Order {
	if orders == nil {
		return []db.Order{}
	}
	return orders
}
