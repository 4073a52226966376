// Package api provides the read-only HTTP endpoints of a trading session.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dexety/dex-trading-system/internal/model"
	"github.com/dexety/dex-trading-system/internal/portfolio"
)

// CycleStore returns persisted cycles, newest first.
type CycleStore interface {
	RecentCycles(symbol string, limit int) ([]model.CycleReport, error)
}

// Session is what the router reads from. Store and Risk may be nil.
type Session struct {
	Symbol  string
	Tracker *portfolio.Tracker
	Risk    *portfolio.RiskManager
	Store   CycleStore
}

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// NewRouter sets up the session routes.
func NewRouter(s Session) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// GET /api/v1/summary
	mux.HandleFunc("/api/v1/summary", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, s.Tracker.Summary())
	})

	// GET /api/v1/risk
	mux.HandleFunc("/api/v1/risk", func(w http.ResponseWriter, r *http.Request) {
		if s.Risk == nil {
			writeError(w, http.StatusNotFound, "risk limits not configured")
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, s.Risk.Status())
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	// POST /api/v1/risk/resume clears a latched halt.
	mux.HandleFunc("/api/v1/risk/resume", func(w http.ResponseWriter, r *http.Request) {
		if s.Risk == nil {
			writeError(w, http.StatusNotFound, "risk limits not configured")
			return
		}
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.Risk.Resume()
		writeJSON(w, http.StatusOK, s.Risk.Status())
	})

	// GET /api/v1/cycles?symbol=ETH-USD&limit=50
	mux.HandleFunc("/api/v1/cycles", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		limit := defaultLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxLimit)
		}

		if s.Store == nil {
			cycles := s.Tracker.History()
			if len(cycles) > limit {
				cycles = cycles[len(cycles)-limit:]
			}
			reversed := make([]model.CycleReport, len(cycles))
			for i, c := range cycles {
				reversed[len(cycles)-1-i] = c
			}
			writeJSON(w, http.StatusOK, reversed)
			return
		}

		symbol := r.URL.Query().Get("symbol")
		if symbol == "" {
			symbol = s.Symbol
		}
		cycles, err := s.Store.RecentCycles(symbol, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, cycles)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
