// Package api exposes the HTTP surface: webhook ingestion, balance and
// history queries, payout submission and the admin operations.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/afroo/custodian/internal/cache"
	"github.com/afroo/custodian/internal/chain"
	"github.com/afroo/custodian/internal/fees"
	"github.com/afroo/custodian/internal/hold"
	"github.com/afroo/custodian/internal/ledger"
	"github.com/afroo/custodian/internal/payout"
	"github.com/afroo/custodian/internal/reconcile"
	"github.com/afroo/custodian/internal/webhook"
)

// Server wires the HTTP routes to the ledger components.
type Server struct {
	store     *ledger.Store
	ingestor  *webhook.Ingestor
	reconcile *reconcile.Engine
	collector *fees.Collector
	sweeper   *fees.Sweeper
	payouts   *payout.Engine
	holds     *hold.Manager
	balances  *cache.BalanceCache
	logger    *zap.Logger

	webhookSecret string
	httpServer    *http.Server
}

// NewServer creates the HTTP server. balances may be nil to disable caching.
func NewServer(store *ledger.Store, ingestor *webhook.Ingestor, rec *reconcile.Engine, collector *fees.Collector, sweeper *fees.Sweeper, payouts *payout.Engine, holds *hold.Manager, balances *cache.BalanceCache, webhookSecret string, logger *zap.Logger) *Server {
	return &Server{
		store:         store,
		ingestor:      ingestor,
		reconcile:     rec,
		collector:     collector,
		sweeper:       sweeper,
		payouts:       payouts,
		holds:         holds,
		balances:      balances,
		logger:        logger,
		webhookSecret: webhookSecret,
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/tatum", webhook.Handler(s.ingestor, s.webhookSecret, s.logger))

	v1 := router.Group("/v1")
	{
		v1.POST("/accounts", s.registerAccount)
		v1.GET("/balances/:owner/:asset", s.getBalance)
		v1.GET("/transactions/:owner", s.listTransactions)
		v1.GET("/fees/pending/:owner", s.getPendingFees)
		v1.GET("/drift", s.getDriftHistory)
		v1.POST("/payouts", s.createPayout)
		v1.GET("/payouts/:id", s.getPayout)
		v1.POST("/payouts/:id/cancel", s.cancelPayout)
		v1.POST("/holds", s.placeHold)
		v1.POST("/holds/release", s.releaseHold)
		v1.POST("/holds/settle", s.settleHold)
	}

	admin := router.Group("/admin")
	{
		admin.POST("/sweep", s.runSweep)
		admin.POST("/reconcile", s.runReconcile)
	}

	return router
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type registerAccountRequest struct {
	OwnerID        string `json:"owner_id" binding:"required"`
	Asset          string `json:"asset" binding:"required"`
	DepositAddress string `json:"deposit_address" binding:"required"`
}

// registerAccount assigns a deposit address to an (owner, asset) pair,
// creating the account on first assignment. Webhook events credit only
// addresses registered here.
func (s *Server) registerAccount(c *gin.Context) {
	var req registerAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !chain.Supported(req.Asset) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unsupported asset"})
		return
	}
	if !chain.ValidAddress(req.Asset, req.DepositAddress) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid deposit address"})
		return
	}
	account, err := s.store.EnsureAccount(c.Request.Context(), req.OwnerID, req.Asset, req.DepositAddress)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (s *Server) getBalance(c *gin.Context) {
	owner := c.Param("owner")
	asset := c.Param("asset")

	if cached, err := s.balances.GetBalance(c.Request.Context(), owner, asset); err == nil {
		c.JSON(http.StatusOK, cached)
		return
	}

	balance, err := s.store.GetBalance(c.Request.Context(), owner, asset)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	_ = s.balances.SetBalance(c.Request.Context(), balance)
	c.JSON(http.StatusOK, balance)
}

func (s *Server) listTransactions(c *gin.Context) {
	owner := c.Param("owner")
	asset := c.Query("asset")
	limit := intQuery(c, "limit", 100)

	entries, err := s.store.ListEntries(c.Request.Context(), owner, asset, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) getPendingFees(c *gin.Context) {
	summary, err := s.collector.GetPendingFees(c.Request.Context(), c.Param("owner"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) getDriftHistory(c *gin.Context) {
	records, err := s.reconcile.DriftHistory(
		c.Request.Context(),
		c.Query("owner"),
		c.Query("critical") == "true",
		intQuery(c, "limit", 100),
	)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

type createPayoutRequest struct {
	OwnerID   string          `json:"owner_id" binding:"required"`
	Asset     string          `json:"asset" binding:"required"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
	ToAddress string          `json:"to_address" binding:"required"`
}

func (s *Server) createPayout(c *gin.Context) {
	var req createPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := s.payouts.Initiate(c.Request.Context(), req.OwnerID, req.Asset, req.Amount, req.ToAddress)
	if err != nil {
		s.balances.Invalidate(c.Request.Context(), req.OwnerID, req.Asset)
		status := payoutErrorStatus(err)
		body := gin.H{"error": err.Error()}
		if p != nil {
			body["payout"] = p
		}
		c.JSON(status, body)
		return
	}
	s.balances.Invalidate(c.Request.Context(), req.OwnerID, req.Asset)
	c.JSON(http.StatusCreated, p)
}

func (s *Server) getPayout(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payout id"})
		return
	}
	p, err := s.payouts.Get(c.Request.Context(), id)
	if errors.Is(err, payout.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "payout not found"})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) cancelPayout(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payout id"})
		return
	}
	p, err := s.payouts.Cancel(c.Request.Context(), id)
	if errors.Is(err, payout.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "payout not found"})
		return
	}
	if errors.Is(err, payout.ErrNotCancellable) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type holdRequest struct {
	OwnerID     string           `json:"owner_id" binding:"required"`
	Asset       string           `json:"asset" binding:"required"`
	TicketRef   string           `json:"ticket_ref" binding:"required"`
	Amount      decimal.Decimal  `json:"amount"`
	FinalAmount *decimal.Decimal `json:"final_amount"`
}

func (s *Server) placeHold(c *gin.Context) {
	var req holdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h, err := s.holds.PlaceForTicket(c.Request.Context(), req.OwnerID, req.Asset, req.Amount, req.TicketRef)
	if err != nil {
		s.holdError(c, err)
		return
	}
	s.balances.Invalidate(c.Request.Context(), req.OwnerID, req.Asset)
	c.JSON(http.StatusCreated, h)
}

func (s *Server) releaseHold(c *gin.Context) {
	var req holdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h, err := s.holds.ReleaseForTicket(c.Request.Context(), req.OwnerID, req.Asset, req.TicketRef)
	if err != nil {
		s.holdError(c, err)
		return
	}
	s.balances.Invalidate(c.Request.Context(), req.OwnerID, req.Asset)
	c.JSON(http.StatusOK, h)
}

func (s *Server) settleHold(c *gin.Context) {
	var req holdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.FinalAmount == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "final_amount required"})
		return
	}
	h, err := s.holds.SettleForTicket(c.Request.Context(), req.OwnerID, req.Asset, req.TicketRef, *req.FinalAmount)
	if err != nil {
		s.holdError(c, err)
		return
	}
	s.balances.Invalidate(c.Request.Context(), req.OwnerID, req.Asset)
	c.JSON(http.StatusOK, h)
}

func (s *Server) holdError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientAvailable), errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrHoldNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrHoldNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.fail(c, err)
	}
}

func (s *Server) runSweep(c *gin.Context) {
	force := c.Query("force") == "true"
	dryRun := c.Query("dry_run") == "true"

	results, err := s.sweeper.SweepAll(c.Request.Context(), force, dryRun)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) runReconcile(c *gin.Context) {
	summary, err := s.reconcile.RunOnce(c.Request.Context(), true)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) fail(c *gin.Context, err error) {
	s.logger.Error("request failed", zap.Error(err), zap.String("path", c.FullPath()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func payoutErrorStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInsufficientAvailable),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, chain.ErrAddressInvalid),
		errors.Is(err, payout.ErrBelowMinimum),
		errors.Is(err, payout.ErrAboveMaximum),
		errors.Is(err, payout.ErrUnsupportedAsset):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, chain.ErrTimeout), errors.Is(err, chain.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func intQuery(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return n
}
