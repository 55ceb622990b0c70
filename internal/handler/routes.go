// internal/handler/routes.go
package handler

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the API under v1
func RegisterRoutes(v1 *gin.RouterGroup, ledger *LedgerHandler, jobs *JobHandler) {
	events := v1.Group("/events")
	{
		events.POST("/order-paid", ledger.OrderPaid)
		events.POST("/order-reversed", ledger.OrderReversed)
	}

	members := v1.Group("/members")
	{
		members.GET("/:id", ledger.GetMember)
		members.GET("/:id/cv", ledger.GetCVHistory)
		members.GET("/:id/summaries", ledger.GetMonthlySummaries)
		members.GET("/:id/level-progress", ledger.GetLevelProgress)
		members.GET("/:id/level-history", ledger.GetLevelHistory)
		members.GET("/:id/commissions", ledger.GetCommissions)
		members.GET("/:id/balance", ledger.GetBalance)
		members.POST("/:id/withdrawals", ledger.Withdraw)
	}

	admin := v1.Group("/admin")
	{
		admin.POST("/members", ledger.RegisterMember)
		admin.POST("/adjustments", ledger.ManualAdjustment)
		admin.GET("/reconcile", jobs.Reconcile)
		admin.GET("/compression-log", jobs.GetCompressionLog)
	}

	scheduled := v1.Group("/jobs")
	{
		scheduled.POST("/close-month", jobs.CloseMonth)
		scheduled.POST("/compression", jobs.RunCompression)
	}
}
