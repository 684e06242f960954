package distributord

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"apocat/services/distributord/evm"
	"apocat/services/distributord/storage"
)

// balanceReader is the read-only wallet surface the HTTP layer needs.
type balanceReader interface {
	Balances(ctx context.Context) (evm.Balances, error)
}

// Server hosts the public game-facing API and the operator endpoints.
type Server struct {
	cfg        Config
	processor  *Processor
	wallet     balanceReader
	rebalancer liquidityManager
	store      *storage.Store
	auth       *Authenticator
	limiter    *RateLimiter
	log        *slog.Logger
}

// NewServer wires the HTTP layer over the supplied collaborators. The store
// may be nil, in which case the leaderboard endpoints report unavailability.
func NewServer(cfg Config, processor *Processor, wallet balanceReader, rebalancer liquidityManager, store *storage.Store, auth *Authenticator, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		processor:  processor,
		wallet:     wallet,
		rebalancer: rebalancer,
		store:      store,
		auth:       auth,
		limiter:    NewRateLimiter(cfg.API),
		log:        log,
	}
}

// Handler assembles the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Method(http.MethodGet, "/health", otelhttp.NewHandler(http.HandlerFunc(s.handleHealth), "distributord.health"))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(s.limiter.Middleware)
		api.Method(http.MethodPost, "/reward", otelhttp.NewHandler(http.HandlerFunc(s.handleReward), "distributord.reward"))
		api.Method(http.MethodGet, "/status", otelhttp.NewHandler(http.HandlerFunc(s.handleStatus), "distributord.status"))
		api.Method(http.MethodPost, "/buyback", otelhttp.NewHandler(http.HandlerFunc(s.handleBuyback), "distributord.buyback"))
		api.Method(http.MethodPost, "/score", otelhttp.NewHandler(http.HandlerFunc(s.handleScore), "distributord.score"))
		api.Method(http.MethodGet, "/leaderboard", otelhttp.NewHandler(http.HandlerFunc(s.handleLeaderboard), "distributord.leaderboard"))
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.auth.Middleware)
		admin.Post("/pause", s.handlePause)
		admin.Post("/resume", s.handleResume)
		admin.Get("/status", s.handleAdminStatus)
	})

	return r
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("http server listening", "address", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type rewardRequest struct {
	WalletAddress string   `json:"walletAddress"`
	RewardType    string   `json:"rewardType"`
	Amount        *float64 `json:"amount"`
	Description   string   `json:"description"`
}

func (s *Server) handleReward(w http.ResponseWriter, r *http.Request) {
	var req rewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	if strings.TrimSpace(req.WalletAddress) == "" || strings.TrimSpace(req.RewardType) == "" || req.Amount == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required parameters"})
		return
	}
	if !common.IsHexAddress(req.WalletAddress) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid wallet address"})
		return
	}
	amount, err := fromFloat(*req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid reward amount"})
		return
	}
	recipient := common.HexToAddress(req.WalletAddress)
	if _, err := s.processor.Enqueue(r.Context(), recipient, req.RewardType, amount, req.Description); err != nil {
		s.log.Error("enqueue reward failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Reward of " + formatDecimal(amount) + " APOCAT added for " + shortAddress(req.WalletAddress),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.processor.Status()
	state := "running"
	if status.Paused {
		state = "paused"
	}
	var balances any
	if snapshot, err := s.wallet.Balances(r.Context()); err == nil {
		balances = map[string]string{
			"eth":    formatDecimal(snapshot.Native),
			"apocat": formatDecimal(snapshot.Token),
		}
	} else {
		s.log.Warn("status balance check failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         state,
		"balances":       balances,
		"pendingRewards": status.PendingRecipients,
		"stuck":          status.Stuck,
		"config": map[string]any{
			"minTokenBalance":  s.cfg.Thresholds.MinTokenBalance,
			"targetEthReserve": s.cfg.Thresholds.TargetReserve,
			"rewards":          s.cfg.Rewards,
		},
	})
}

func (s *Server) handleBuyback(w http.ResponseWriter, r *http.Request) {
	if err := s.rebalancer.EnsureFloat(r.Context()); err != nil {
		s.log.Error("manual buyback check failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Buyback check completed"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type scoreRequest struct {
	WalletAddress string   `json:"walletAddress"`
	Score         *int64   `json:"score"`
	Wave          int      `json:"wave"`
	Kills         int      `json:"kills"`
	Accuracy      *float64 `json:"accuracy"`
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Leaderboard unavailable"})
		return
	}
	var req scoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	if strings.TrimSpace(req.WalletAddress) == "" || req.Score == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required parameters"})
		return
	}
	accuracy := 0.0
	if req.Accuracy != nil {
		accuracy = *req.Accuracy
	}
	record := storage.ScoreRecord{
		Wallet:   req.WalletAddress,
		Score:    *req.Score,
		Wave:     req.Wave,
		Kills:    req.Kills,
		Accuracy: accuracy,
	}
	if err := s.store.RecordScore(r.Context(), record); err != nil {
		s.log.Error("record score failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Leaderboard unavailable"})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid limit"})
			return
		}
		limit = parsed
	}
	scores, err := s.store.TopScores(r.Context(), limit)
	if err != nil {
		s.log.Error("load leaderboard failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	if scores == nil {
		scores = []storage.ScoreRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": scores})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func shortAddress(addr string) string {
	if len(addr) <= 6 {
		return addr
	}
	return addr[:6] + "..."
}
