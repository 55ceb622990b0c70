// internal/handler/ledger_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"compensation-engine/internal/models"
	"compensation-engine/internal/service"
)

// LedgerHandler serves the order webhooks, member queries and admin writes
type LedgerHandler struct {
	service     *service.LedgerService
	commissions *service.CommissionService
	logger      *zap.Logger
}

// NewLedgerHandler creates a new ledger handler
func NewLedgerHandler(service *service.LedgerService, commissions *service.CommissionService, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{
		service:     service,
		commissions: commissions,
		logger:      logger,
	}
}

// OrderPaid handles POST /api/v1/events/order-paid
func (h *LedgerHandler) OrderPaid(c *gin.Context) {
	var ev models.OrderPaidEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.service.RecordOrderCV(c.Request.Context(), ev)
	if err != nil {
		respondError(c, h.logger, err, "Failed to record order")
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// OrderReversed handles POST /api/v1/events/order-reversed
func (h *LedgerHandler) OrderReversed(c *gin.Context) {
	var ev models.OrderReversedEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.service.ReverseOrderCV(c.Request.Context(), ev)
	if err != nil {
		respondError(c, h.logger, err, "Failed to reverse order")
		return
	}

	c.JSON(http.StatusOK, result)
}

// RegisterMember handles POST /api/v1/admin/members
func (h *LedgerHandler) RegisterMember(c *gin.Context) {
	var req models.RegisterMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	member, err := h.service.RegisterMember(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err, "Failed to register member")
		return
	}

	c.JSON(http.StatusCreated, member)
}

// ManualAdjustment handles POST /api/v1/admin/adjustments
func (h *LedgerHandler) ManualAdjustment(c *gin.Context) {
	var adj models.ManualAdjustment
	if err := c.ShouldBindJSON(&adj); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, err := h.service.ApplyManualAdjustment(c.Request.Context(), adj)
	if err != nil {
		respondError(c, h.logger, err, "Failed to apply adjustment")
		return
	}

	c.JSON(http.StatusCreated, entry)
}

// Withdraw handles POST /api/v1/members/:id/withdrawals
func (h *LedgerHandler) Withdraw(c *gin.Context) {
	var req models.WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	balance, err := h.commissions.Withdraw(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		respondError(c, h.logger, err, "Failed to record withdrawal")
		return
	}

	c.JSON(http.StatusOK, balance)
}

// GetMember handles GET /api/v1/members/:id
func (h *LedgerHandler) GetMember(c *gin.Context) {
	state, err := h.service.GetMemberState(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "Failed to get member")
		return
	}

	c.JSON(http.StatusOK, state)
}

// GetCVHistory handles GET /api/v1/members/:id/cv
func (h *LedgerHandler) GetCVHistory(c *gin.Context) {
	entries, err := h.service.GetCVHistory(c.Request.Context(), c.Param("id"), c.Query("month"))
	if err != nil {
		respondError(c, h.logger, err, "Failed to get CV history")
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// GetMonthlySummaries handles GET /api/v1/members/:id/summaries
func (h *LedgerHandler) GetMonthlySummaries(c *gin.Context) {
	summaries, err := h.service.GetMonthlySummaries(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "Failed to get monthly summaries")
		return
	}

	c.JSON(http.StatusOK, gin.H{"summaries": summaries})
}

// GetLevelProgress handles GET /api/v1/members/:id/level-progress
func (h *LedgerHandler) GetLevelProgress(c *gin.Context) {
	progress, err := h.service.GetLevelProgress(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "Failed to get level progress")
		return
	}

	c.JSON(http.StatusOK, progress)
}

// GetLevelHistory handles GET /api/v1/members/:id/level-history
func (h *LedgerHandler) GetLevelHistory(c *gin.Context) {
	history, err := h.service.GetLevelHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "Failed to get level history")
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": history})
}

// GetCommissions handles GET /api/v1/members/:id/commissions
func (h *LedgerHandler) GetCommissions(c *gin.Context) {
	entries, err := h.service.GetCommissionHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "Failed to get commissions")
		return
	}

	c.JSON(http.StatusOK, gin.H{"commissions": entries})
}

// GetBalance handles GET /api/v1/members/:id/balance
func (h *LedgerHandler) GetBalance(c *gin.Context) {
	balance, err := h.service.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "Failed to get balance")
		return
	}

	c.JSON(http.StatusOK, balance)
}
