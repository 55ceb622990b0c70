// internal/handler/handler_test.go
package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"compensation-engine/internal/clock"
	"compensation-engine/internal/config"
	"compensation-engine/internal/models"
	"compensation-engine/internal/repository"
	"compensation-engine/internal/service"
)

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := zap.NewNop()
	store := repository.NewMemoryStore()
	clk := clock.NewManual(now)
	cfg := config.DefaultEngineConfig()
	notifier := service.NewLogNotifier(log)

	levels := service.NewLevelEngine(service.DefaultLevelPlan(), log)
	commissions := service.NewCommissionService(store, service.DefaultCommissionPlan(), clk, log)
	ledger := service.NewLedgerService(store, levels, commissions, cfg, clk, nil, notifier, log)
	jobs := service.NewJobService(store, levels, commissions, cfg, clk, service.NewLocalJobLock(), notifier, log)
	recon := service.NewReconciliationService(store, clk, log)

	router := gin.New()
	RegisterRoutes(router.Group("/api/v1"), NewLedgerHandler(ledger, commissions, log), NewJobHandler(jobs, recon, ledger, log))
	return router
}

func do(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	order := gin.H{
		"order_id":   "o-1",
		"member_id":  "a",
		"paid_at":    now,
		"line_items": []gin.H{{"product_id": "kit", "price": "100", "quantity": 1}},
	}

	steps := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"register root", http.MethodPost, "/api/v1/admin/members", gin.H{"id": "root"}, http.StatusCreated},
		{"register recruit", http.MethodPost, "/api/v1/admin/members", gin.H{"id": "a", "sponsor_id": "root"}, http.StatusCreated},
		{"duplicate member", http.MethodPost, "/api/v1/admin/members", gin.H{"id": "a"}, http.StatusBadRequest},
		{"self sponsor", http.MethodPost, "/api/v1/admin/members", gin.H{"id": "z", "sponsor_id": "z"}, http.StatusConflict},
		{"malformed event", http.MethodPost, "/api/v1/events/order-paid", "{", http.StatusBadRequest},
		{"order paid", http.MethodPost, "/api/v1/events/order-paid", order, http.StatusCreated},
		{"order replay", http.MethodPost, "/api/v1/events/order-paid", order, http.StatusOK},
		{"member state", http.MethodGet, "/api/v1/members/a", nil, http.StatusOK},
		{"unknown member", http.MethodGet, "/api/v1/members/ghost", nil, http.StatusNotFound},
		{"cv history", http.MethodGet, "/api/v1/members/a/cv?month=2024-03", nil, http.StatusOK},
		{"level progress", http.MethodGet, "/api/v1/members/a/level-progress", nil, http.StatusOK},
		{"overdraw", http.MethodPost, "/api/v1/members/a/withdrawals", gin.H{"amount": "10"}, http.StatusBadRequest},
		{"bad reversal reason", http.MethodPost, "/api/v1/events/order-reversed", gin.H{"order_id": "o-1", "reason": "lost"}, http.StatusBadRequest},
		{"reverse", http.MethodPost, "/api/v1/events/order-reversed", gin.H{"order_id": "o-1", "reason": "refunded"}, http.StatusOK},
		{"close month without body", http.MethodPost, "/api/v1/jobs/close-month", nil, http.StatusOK},
		{"bad close tags", http.MethodPost, "/api/v1/jobs/close-month", gin.H{"prev_month": "2024-04", "new_month": "2024-03"}, http.StatusBadRequest},
		{"compression", http.MethodPost, "/api/v1/jobs/compression", nil, http.StatusOK},
		{"compression log", http.MethodGet, "/api/v1/admin/compression-log", nil, http.StatusOK},
	}
	for _, s := range steps {
		w := do(t, router, s.method, s.path, s.body)
		if w.Code != s.want {
			t.Fatalf("%s: status = %d, want %d (body %s)", s.name, w.Code, s.want, w.Body.String())
		}
	}

	w := do(t, router, http.MethodGet, "/api/v1/admin/reconcile?month=2024-03", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile status = %d", w.Code)
	}
	var report models.ReconciliationReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if !report.IsBalanced {
		t.Errorf("ledger not balanced: %+v", report.Discrepancies)
	}
}

func TestInternalErrorsStayGeneric(t *testing.T) {
	router := newTestRouter(t)
	w := do(t, router, http.MethodGet, "/api/v1/admin/reconcile?month=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] == nil {
		t.Errorf("missing error field: %s", w.Body.String())
	}
}
