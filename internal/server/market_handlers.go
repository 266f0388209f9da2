package server

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/redmargin/quantgate/internal/apperr"
	"github.com/redmargin/quantgate/internal/domain"
	"github.com/redmargin/quantgate/internal/modules/snapshots"
	"github.com/redmargin/quantgate/internal/pipeline"
)

type barDTO struct {
	TradeDate   string  `json:"trade_date"`
	Symbol      string  `json:"symbol"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	Amount      float64 `json:"amount"`
	IsSuspended bool    `json:"is_suspended"`
	IsST        bool    `json:"is_st"`
}

func toBarDTO(b domain.Bar) barDTO {
	return barDTO{
		TradeDate:   b.TradeDate.Format(domain.DateLayout),
		Symbol:      b.Symbol,
		Open:        nanToZero(b.Open),
		High:        nanToZero(b.High),
		Low:         nanToZero(b.Low),
		Close:       nanToZero(b.Close),
		Volume:      nanToZero(b.Volume),
		Amount:      nanToZero(b.Amount),
		IsSuspended: b.IsSuspended,
		IsST:        b.IsST,
	}
}

// nanToZero keeps missing cells JSON-encodable.
func nanToZero(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// handleMarketBars serves GET /market/bars?symbol&start_date&end_date&limit.
func (s *Server) handleMarketBars(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		s.respondError(w, apperr.Validation("symbol is required"))
		return
	}
	start, err := domain.ParseDate(r.URL.Query().Get("start_date"))
	if err != nil {
		s.respondError(w, apperr.Validation("invalid start_date"))
		return
	}
	end, err := domain.ParseDate(r.URL.Query().Get("end_date"))
	if err != nil {
		s.respondError(w, apperr.Validation("invalid end_date"))
		return
	}

	provider, bars, err := s.deps.Composite.GetDailyBars(r.Context(), symbol, start, end)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && limit < len(bars) {
		bars = bars[len(bars)-limit:]
	}

	snapshotID, err := s.deps.Snapshots.Register(snapshots.Snapshot{
		DatasetName:   "daily_bars",
		Symbol:        symbol,
		StartDate:     start,
		EndDate:       end,
		Provider:      provider,
		RowCount:      len(bars),
		SchemaVersion: "1",
		ContentHash:   snapshots.HashBars(bars),
	})
	if err != nil {
		s.respondError(w, err)
		return
	}

	dtos := make([]barDTO, len(bars))
	for i, b := range bars {
		dtos[i] = toBarDTO(b)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"provider":    provider,
		"snapshot_id": snapshotID,
		"bars":        dtos,
	})
}

// handleTradeCalendar serves GET /market/calendar?start_date&end_date.
func (s *Server) handleTradeCalendar(w http.ResponseWriter, r *http.Request) {
	start, err1 := domain.ParseDate(r.URL.Query().Get("start_date"))
	end, err2 := domain.ParseDate(r.URL.Query().Get("end_date"))
	if err1 != nil || err2 != nil {
		s.respondError(w, apperr.Validation("start_date and end_date are required"))
		return
	}
	days, err := s.deps.Composite.GetTradeCalendar(r.Context(), start, end)
	if err != nil {
		s.respondError(w, err)
		return
	}
	out := make([]map[string]interface{}, len(days))
	for i, d := range days {
		out[i] = map[string]interface{}{
			"trade_date": d.TradeDate.Format(domain.DateLayout),
			"is_open":    d.IsOpen,
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"calendar": out})
}

// handleSecurityStatus serves GET /market/status/{symbol}.
func (s *Server) handleSecurityStatus(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	status, err := s.deps.Composite.GetSecurityStatus(r.Context(), symbol)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":       symbol,
		"is_st":        status.IsST,
		"is_suspended": status.IsSuspended,
	})
}

// handleGenerateSignals serves POST /signals/generate.
func (s *Server) handleGenerateSignals(w http.ResponseWriter, r *http.Request) {
	var req pipeline.DailyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	result, err := s.deps.Pipeline.Run(r.Context(), req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// handleResearchRun serves POST /research/run.
func (s *Server) handleResearchRun(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ResearchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	result, err := s.deps.Pipeline.RunResearch(ctx, req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// handleBacktestRun serves POST /research/backtest.
func (s *Server) handleBacktestRun(w http.ResponseWriter, r *http.Request) {
	var req pipeline.BacktestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	result, err := s.deps.Pipeline.RunBacktest(ctx, req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}
