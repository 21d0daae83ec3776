package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fubapay/fubapay/internal/actor"
	"github.com/fubapay/fubapay/internal/chain"
	"github.com/fubapay/fubapay/internal/ledger"
	"github.com/fubapay/fubapay/internal/limits"
	"github.com/fubapay/fubapay/internal/pipeline"
	"github.com/fubapay/fubapay/internal/settlement"
)

// -----------------------------------------------------------------------------
// Transfers
// -----------------------------------------------------------------------------

func (s *Server) createTransfer(c *gin.Context) {
	var req pipeline.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	tx, err := s.pipeline.Create(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

func (s *Server) getTransfer(c *gin.Context) {
	tx, err := s.pipeline.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) getTransferByReference(c *gin.Context) {
	tx, err := s.pipeline.GetByReference(c.Request.Context(), c.Param("ref"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) settleTransfer(c *gin.Context) {
	tx, err := s.pipeline.Settle(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) resolveTransfer(c *gin.Context) {
	tx, err := s.pipeline.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

type reviewRequest struct {
	Approve bool `json:"approve"`
}

func (s *Server) reviewTransfer(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	tx, err := s.pipeline.Review(c.Request.Context(), c.Param("id"), req.Approve)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) disputeTransfer(c *gin.Context) {
	tx, err := s.pipeline.Dispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) refundTransfer(c *gin.Context) {
	tx, err := s.pipeline.Refund(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// -----------------------------------------------------------------------------
// Actors
// -----------------------------------------------------------------------------

type registerActorRequest struct {
	ID            string     `json:"id" binding:"required"`
	Kind          actor.Kind `json:"kind" binding:"required"`
	DisplayName   string     `json:"displayName"`
	WalletAddress string     `json:"walletAddress"`
}

func (s *Server) registerActor(c *gin.Context) {
	var req registerActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if req.Kind != actor.KindAgent && req.Kind != actor.KindMerchant {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "kind must be agent or merchant",
		})
		return
	}
	if req.WalletAddress != "" && !chain.ValidAddress(req.WalletAddress) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "malformed wallet address",
		})
		return
	}

	p := &actor.Profile{
		ID:          req.ID,
		Kind:        req.Kind,
		DisplayName: req.DisplayName,
	}
	if req.WalletAddress != "" {
		p.WalletAddress = chain.Checksum(req.WalletAddress)
	}
	if err := s.actors.Register(c.Request.Context(), p); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) actorReputation(c *gin.Context) {
	p, err := s.pipeline.Reputation(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"actorId":         p.ID,
		"reputationScore": p.ReputationScore,
		"trustTier":       p.TrustTier,
		"frozen":          p.Frozen,
		"successRate":     p.SuccessRate(),
		"totalVolume":     p.TotalVolume,
		"totalCount":      p.TotalCount,
		"disputeCount":    p.DisputeCount,
	})
}

func (s *Server) actorLimits(c *gin.Context) {
	l, err := s.pipeline.Limits(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) actorTransfers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	txs, err := s.txs.ListByActor(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if txs == nil {
		txs = []*ledger.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transfers": txs, "count": len(txs)})
}

func (s *Server) actorAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := s.auditor.Query(
		c.Request.Context(),
		c.Param("id"),
		time.Time{}, time.Time{},
		c.Query("operation"),
		limit,
	)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// -----------------------------------------------------------------------------
// Platform
// -----------------------------------------------------------------------------

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "FubaPay",
		"description": "Risk-gated P2P value transfer with on-chain settlement",
		"version":     "0.1.0",
		"network":     s.network.Name,
		"currency":    "USDC",
	})
}

func (s *Server) networksHandler(c *gin.Context) {
	names := chain.Names()
	out := make([]gin.H, 0, len(names))
	for _, name := range names {
		n, err := chain.Lookup(name)
		if err != nil {
			continue
		}
		out = append(out, gin.H{
			"name":         n.Name,
			"displayName":  n.DisplayName,
			"chainId":      n.ChainID,
			"usdcContract": n.USDCContract.Hex(),
			"nativeSymbol": n.NativeSymbol,
			"active":       n.Name == s.network.Name,
		})
	}
	c.JSON(http.StatusOK, gin.H{"networks": out})
}

func (s *Server) walletHandler(c *gin.Context) {
	if s.engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "wallet_unavailable",
			"message": "settlement engine is not configured",
		})
		return
	}

	resp := gin.H{
		"address": s.engine.From(),
		"network": s.network.Name,
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if balance, err := s.engine.BalanceOf(ctx, s.engine.From()); err == nil {
		resp["usdcBalance"] = balance
	}
	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if s.pool != nil {
		if _, err := s.pool.Connect(ctx); err != nil {
			checks["rpc"] = "unhealthy"
		} else {
			checks["rpc"] = "healthy"
		}
	}
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Error mapping
// -----------------------------------------------------------------------------

func (s *Server) writeError(c *gin.Context, err error) {
	var (
		violation *limits.Violation
		settleErr *settlement.SettleError
	)

	switch {
	case errors.Is(err, pipeline.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.As(err, &violation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   violation.Code,
			"message": violation.Error(),
			"amount":  violation.Amount,
			"limit":   violation.Limit,
		})
	case errors.Is(err, limits.ErrFrozen):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "account_frozen",
			"message": "Actor account is frozen.",
		})
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, actor.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, actor.ErrExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_exists",
			"message": err.Error(),
		})
	case errors.Is(err, pipeline.ErrNotSettleable),
		errors.Is(err, pipeline.ErrNotReviewable),
		errors.Is(err, ledger.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, chain.ErrNoLiveEndpoint):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "chain_unavailable",
			"message": "No blockchain endpoint is reachable; try again later.",
		})
	case errors.As(err, &settleErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "settlement_failed",
			"message": settleErr.Error(),
			"txHash":  settleErr.TxHash,
		})
	default:
		s.logger.Error("request failed", "error", err, "path", c.Request.URL.Path)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}
