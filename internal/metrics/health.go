package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dexety/dex-trading-system/internal/logger"
)

// HealthStatus represents the system health. Dependencies that were never
// expected (e.g. the account feed in paper mode) do not degrade it.
type HealthStatus struct {
	mu sync.RWMutex

	expectAccount bool
	expectRedis   bool
	expectSQLite  bool

	TradeFeedConnected   bool
	AccountFeedConnected bool
	LastTradeTime        time.Time
	RedisConnected       bool
	SQLiteOK             bool
	CoordinatorState     string
	Halted               bool

	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now(), CoordinatorState: "IDLE"}
}

// Expect declares which optional dependencies must be up for a healthy status.
func (h *HealthStatus) Expect(account, redis, sqlite bool) {
	h.mu.Lock()
	h.expectAccount, h.expectRedis, h.expectSQLite = account, redis, sqlite
	h.mu.Unlock()
}

func (h *HealthStatus) SetTradeFeedConnected(v bool) {
	h.mu.Lock()
	h.TradeFeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetAccountFeedConnected(v bool) {
	h.mu.Lock()
	h.AccountFeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTradeTime(t time.Time) {
	h.mu.Lock()
	h.LastTradeTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetCoordinatorState(s string) {
	h.mu.Lock()
	h.CoordinatorState = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetHalted(v bool) {
	h.mu.Lock()
	h.Halted = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Nil dependencies
// are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}
	go func() {
		check()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()
}

type healthBody struct {
	Status           string  `json:"status"`
	Uptime           string  `json:"uptime"`
	TradeFeed        bool    `json:"trade_feed_connected"`
	AccountFeed      bool    `json:"account_feed_connected"`
	LastTradeTime    string  `json:"last_trade_time"`
	TradeAge         string  `json:"trade_age"`
	RedisConnected   bool    `json:"redis_connected"`
	RedisLatencyMs   float64 `json:"redis_latency_ms"`
	SQLiteOK         bool    `json:"sqlite_ok"`
	SQLiteLatencyMs  float64 `json:"sqlite_latency_ms"`
	CoordinatorState string  `json:"coordinator_state"`
	Halted           bool    `json:"halted"`
	LastCheckAt      string  `json:"last_check_at"`
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	httpCode := http.StatusOK
	degraded := !h.TradeFeedConnected ||
		(h.expectAccount && !h.AccountFeedConnected) ||
		(h.expectRedis && !h.RedisConnected) ||
		(h.expectSQLite && !h.SQLiteOK)
	if degraded {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.TradeFeedConnected && h.expectAccount && !h.AccountFeedConnected {
		status = "unhealthy"
	}

	tradeAge := ""
	if !h.LastTradeTime.IsZero() {
		tradeAge = time.Since(h.LastTradeTime).Round(time.Millisecond).String()
	}

	body := healthBody{
		Status:           status,
		Uptime:           time.Since(h.StartedAt).Round(time.Second).String(),
		TradeFeed:        h.TradeFeedConnected,
		AccountFeed:      h.AccountFeedConnected,
		LastTradeTime:    h.LastTradeTime.Format(time.RFC3339),
		TradeAge:         tradeAge,
		RedisConnected:   h.RedisConnected,
		RedisLatencyMs:   h.RedisLatencyMs,
		SQLiteOK:         h.SQLiteOK,
		SQLiteLatencyMs:  h.SQLiteLatencyMs,
		CoordinatorState: h.CoordinatorState,
		Halted:           h.Halted,
		LastCheckAt:      h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(body)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	mux  *http.ServeMux
	srv  *http.Server
	log  zerolog.Logger
}

// NewServer creates a metrics and health server. gatherer defaults to the
// default registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		mux:  mux,
		srv:  &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log:  logger.For("metrics"),
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Mount adds h under pattern. Call before Start.
func (s *Server) Mount(pattern string, h http.Handler) { s.mux.Handle(pattern, h) }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("server listening")
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("server error")
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
