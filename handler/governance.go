package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/govgate/gateway/kpi"
	"github.com/govgate/gateway/middleware"
)

// GovernanceHandler exposes the read-side KPI aggregation for the
// authenticated application.
type GovernanceHandler struct {
	logger zerolog.Logger
	agg    *kpi.Aggregator
}

// NewGovernanceHandler creates the governance read handler.
func NewGovernanceHandler(logger zerolog.Logger, agg *kpi.Aggregator) *GovernanceHandler {
	return &GovernanceHandler{logger: logger, agg: agg}
}

// KPIReport handles GET /v1/governance/kpi?window_hours=24. The report is
// scoped to the caller's own application.
func (h *GovernanceHandler) KPIReport(w http.ResponseWriter, r *http.Request) {
	cc := middleware.GetCredential(r.Context())
	if cc == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"code": "AUTH_MISSING_KEY", "message": "request is not authenticated"},
		})
		return
	}

	window := 24 * time.Hour
	if v := r.URL.Query().Get("window_hours"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil && hours > 0 && hours <= 24*30 {
			window = time.Duration(hours) * time.Hour
		}
	}

	report, err := h.agg.Report(r.Context(), cc.AppID, window)
	if err != nil {
		h.logger.Error().Err(err).Str("app_id", cc.AppID).Msg("kpi report failed")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"code": "REPORT_FAILED", "message": "could not assemble governance report"},
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
