// internal/handler/job_handler.go
package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"compensation-engine/internal/service"
)

// JobHandler exposes the scheduler triggers and the audit views
type JobHandler struct {
	jobs           *service.JobService
	reconciliation *service.ReconciliationService
	ledger         *service.LedgerService
	logger         *zap.Logger
}

// NewJobHandler creates a handler for the scheduled jobs and admin audit endpoints
func NewJobHandler(jobs *service.JobService, reconciliation *service.ReconciliationService, ledger *service.LedgerService, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		jobs:           jobs,
		reconciliation: reconciliation,
		ledger:         ledger,
		logger:         logger,
	}
}

// CloseMonth handles POST /api/v1/jobs/close-month
func (h *JobHandler) CloseMonth(c *gin.Context) {
	var req struct {
		PrevMonth string `json:"prev_month"`
		NewMonth  string `json:"new_month"`
	}
	// the scheduler may post no body at all
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary, err := h.jobs.CloseMonth(c.Request.Context(), req.PrevMonth, req.NewMonth)
	if err != nil {
		respondError(c, h.logger, err, "Month close failed")
		return
	}

	c.JSON(http.StatusOK, summary)
}

// RunCompression handles POST /api/v1/jobs/compression
func (h *JobHandler) RunCompression(c *gin.Context) {
	summary, err := h.jobs.RunCompression(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "Compression failed")
		return
	}

	c.JSON(http.StatusOK, summary)
}

// Reconcile handles GET /api/v1/admin/reconcile
func (h *JobHandler) Reconcile(c *gin.Context) {
	report, err := h.reconciliation.ReconcileMonth(c.Request.Context(), c.Query("month"))
	if err != nil {
		respondError(c, h.logger, err, "Reconciliation failed")
		return
	}

	c.JSON(http.StatusOK, report)
}

// GetCompressionLog handles GET /api/v1/admin/compression-log
func (h *JobHandler) GetCompressionLog(c *gin.Context) {
	entries, err := h.ledger.GetCompressionLog(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "Failed to get compression log")
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
