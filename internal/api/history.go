package api

import (
	"net/http"
	"time"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/database"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/middleware"
)

// HourlyHistoryResponse holds the 24 hourly buckets of one day
type HourlyHistoryResponse struct {
	Date       string                 `json:"date"`
	TotalCount int                    `json:"total_count"`
	Hours      []database.HourlyCount `json:"hours"`
}

func (s *Server) hourlyHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "History store is not configured")
		return
	}

	day := r.URL.Query().Get("date")
	if day == "" {
		day = s.deps.Clock.Now().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", day); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid date, expected YYYY-MM-DD")
		return
	}

	hours, err := s.deps.History.HourlyCounts(r.Context(), day)
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	resp := HourlyHistoryResponse{Date: day, Hours: hours}
	for _, h := range hours {
		resp.TotalCount += h.Total
	}
	encode(r.Context(), w, http.StatusOK, resp)
}
