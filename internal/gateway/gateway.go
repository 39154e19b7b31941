// Package gateway exposes the staking ledger over HTTP.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/stakevault/internal/identity"
	"github.com/terminal-bench/stakevault/internal/journal"
	"github.com/terminal-bench/stakevault/internal/ledger"
	"github.com/terminal-bench/stakevault/internal/token"
	"github.com/terminal-bench/stakevault/pkg/messaging"
	"github.com/terminal-bench/stakevault/pkg/metrics"
)

const (
	ctxAccountID     = "account_id"
	ctxCorrelationID = "correlation_id"
)

// Config holds gateway configuration. Zero rate-limit values fall back to
// 120 requests per minute.
type Config struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
}

const (
	defaultRateLimitMax    = 120
	defaultRateLimitWindow = time.Minute
)

// Recorder persists and serves audit entries. Satisfied by *journal.Journal.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry)
	Recent(ctx context.Context, actor string, limit int) ([]journal.Entry, error)
}

// Gateway wires the HTTP surface: identity middleware, rate limiting, the
// ledger operations, the audit history and the websocket event stream.
type Gateway struct {
	router    *gin.Engine
	ledger    *ledger.StakeLedger
	ids       *identity.Service
	journal   Recorder
	msgClient *messaging.Client
	limiter   *RateLimiter
	assets    map[string]*token.Ledger

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*WSClient

	log *logrus.Entry
}

// New creates a gateway. jnl, msgClient and rdb may be nil; the
// corresponding features are then disabled.
func New(cfg Config, l *ledger.StakeLedger, ids *identity.Service, jnl Recorder, msgClient *messaging.Client, rdb *redis.Client, assets map[string]*token.Ledger) *Gateway {
	g := &Gateway{
		router:    gin.New(),
		ledger:    l,
		ids:       ids,
		journal:   jnl,
		msgClient: msgClient,
		assets:    assets,
		wsClients: make(map[uuid.UUID]*WSClient),
		log:       logrus.WithField("component", "gateway"),
	}
	if rdb != nil {
		max := cfg.RateLimitMax
		if max <= 0 {
			max = defaultRateLimitMax
		}
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = defaultRateLimitWindow
		}
		g.limiter = NewRateLimiter(rdb, max, window)
	}
	g.router.Use(gin.Recovery())
	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.correlationMiddleware())
	g.router.Use(g.metricsMiddleware())
	if g.limiter != nil {
		g.router.Use(g.rateLimitMiddleware())
	}

	g.router.GET("/health", g.healthCheck)
	g.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/auth/register", g.register)
		v1.POST("/auth/login", g.login)

		v1.POST("/stakes", g.authMiddleware(), g.openStake)
		v1.POST("/stakes/:index/close", g.authMiddleware(), g.closeStake)
		v1.GET("/stakes", g.authMiddleware(), g.listStakes)

		v1.POST("/reserve/deposits", g.authMiddleware(), g.addReserve)
		v1.POST("/reserve/withdrawals", g.authMiddleware(), g.removeReserve)
		v1.GET("/reserve", g.getReserve)

		v1.GET("/history", g.authMiddleware(), g.getHistory)
		v1.POST("/faucet", g.authMiddleware(), g.faucet)

		v1.GET("/ws", g.authMiddleware(), g.handleWebSocket)
	}
}

// Router exposes the underlying handler, used by the server and by tests.
func (g *Gateway) Router() http.Handler {
	return g.router
}

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := g.ids.VerifyToken(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ctxAccountID, claims.AccountID)
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.limiter.Allow(c.Request.Context(), c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set(ctxCorrelationID, correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

func (g *Gateway) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type registerRequest struct {
	Handle   string `json:"handle" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (g *Gateway) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account, err := g.ids.Register(c.Request.Context(), req.Handle, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrHandleExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "handle already exists"})
			return
		}
		g.log.WithError(err).Error("register failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	c.JSON(http.StatusCreated, account)
}

func (g *Gateway) login(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	tok, err := g.ids.Login(c.Request.Context(), req.Handle, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": tok})
}

type openStakeRequest struct {
	Principal    string `json:"principal" binding:"required"`
	LockDuration uint64 `json:"lock_duration" binding:"required"`
}

type positionResponse struct {
	Index         int    `json:"index"`
	Principal     string `json:"principal"`
	OpenedAt      int64  `json:"opened_at"`
	LockDuration  uint64 `json:"lock_duration"`
	UnlockTime    int64  `json:"unlock_time"`
	UpfrontReward string `json:"upfront_reward"`
	Settled       bool   `json:"settled"`
}

func toPositionResponse(index int, pos ledger.Position) positionResponse {
	return positionResponse{
		Index:         index,
		Principal:     formatAmount(pos.Principal),
		OpenedAt:      pos.OpenedAt,
		LockDuration:  pos.LockDuration,
		UnlockTime:    pos.UnlockTime(),
		UpfrontReward: formatAmount(pos.UpfrontReward),
		Settled:       pos.Settled,
	}
}

func (g *Gateway) openStake(c *gin.Context) {
	var req openStakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	principal, err := parseAmount(req.Principal)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed principal"})
		return
	}

	caller := c.MustGet(ctxAccountID).(string)
	index, err := g.ledger.OpenStake(c.Request.Context(), caller, principal, req.LockDuration)
	if err != nil {
		g.renderLedgerError(c, "open_stake", err)
		return
	}

	pos := g.ledger.Positions(caller)[index]
	g.record(c, journal.Entry{
		Op:            "open_stake",
		Actor:         caller,
		Amount:        principal.String(),
		Reward:        pos.UpfrontReward.String(),
		PositionIndex: &index,
	})

	c.JSON(http.StatusCreated, toPositionResponse(index, pos))
}

func (g *Gateway) closeStake(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid position index"})
		return
	}

	caller := c.MustGet(ctxAccountID).(string)
	payout, penalty, err := g.ledger.CloseStake(c.Request.Context(), caller, index)
	if err != nil {
		g.renderLedgerError(c, "close_stake", err)
		return
	}

	g.record(c, journal.Entry{
		Op:            "close_stake",
		Actor:         caller,
		Amount:        payout.String(),
		Penalty:       penalty.String(),
		PositionIndex: &index,
	})

	c.JSON(http.StatusOK, gin.H{
		"payout":  formatAmount(payout),
		"penalty": formatAmount(penalty),
	})
}

func (g *Gateway) listStakes(c *gin.Context) {
	caller := c.MustGet(ctxAccountID).(string)

	positions := g.ledger.Positions(caller)
	out := make([]positionResponse, len(positions))
	for i, pos := range positions {
		out[i] = toPositionResponse(i, pos)
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

type reserveRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (g *Gateway) addReserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed amount"})
		return
	}

	caller := c.MustGet(ctxAccountID).(string)
	if err := g.ledger.AddReserve(c.Request.Context(), caller, amount); err != nil {
		g.renderLedgerError(c, "add_reserve", err)
		return
	}

	g.record(c, journal.Entry{Op: "add_reserve", Actor: caller, Amount: amount.String()})
	c.JSON(http.StatusOK, gin.H{"reserve": formatAmount(g.ledger.ReserveBalance())})
}

func (g *Gateway) removeReserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed amount"})
		return
	}

	caller := c.MustGet(ctxAccountID).(string)
	if err := g.ledger.RemoveReserve(c.Request.Context(), caller, amount); err != nil {
		g.renderLedgerError(c, "remove_reserve", err)
		return
	}

	g.record(c, journal.Entry{Op: "remove_reserve", Actor: caller, Amount: amount.String()})
	c.JSON(http.StatusOK, gin.H{"reserve": formatAmount(g.ledger.ReserveBalance())})
}

func (g *Gateway) getReserve(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"reserve": formatAmount(g.ledger.ReserveBalance())})
}

func (g *Gateway) getHistory(c *gin.Context) {
	if g.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history not available"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	caller := c.MustGet(ctxAccountID).(string)
	entries, err := g.journal.Recent(c.Request.Context(), caller, limit)
	if err != nil {
		g.log.WithError(err).Error("history query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type faucetRequest struct {
	Asset   string `json:"asset" binding:"required"`
	Account string `json:"account" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// faucet mints dev-environment funds on the in-memory asset ledgers.
// Operator only.
func (g *Gateway) faucet(c *gin.Context) {
	caller := c.MustGet(ctxAccountID).(string)
	if caller != g.ledger.Operator() {
		c.JSON(http.StatusForbidden, gin.H{"error": "operator only"})
		return
	}

	var req faucetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	asset, ok := g.assets[req.Asset]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown asset"})
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed amount"})
		return
	}

	asset.Mint(req.Account, amount)
	c.JSON(http.StatusOK, gin.H{"balance": formatAmount(asset.BalanceOf(req.Account))})
}

func (g *Gateway) record(c *gin.Context, e journal.Entry) {
	if g.journal == nil {
		return
	}
	e.CorrelationID = c.GetString(ctxCorrelationID)
	g.journal.Record(c.Request.Context(), e)
}

func (g *Gateway) renderLedgerError(c *gin.Context, op string, err error) {
	metrics.OperationErrorsTotal.WithLabelValues(op).Inc()

	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidDuration):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrIndexOutOfRange):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrAlreadySettled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientReserve), errors.Is(err, ledger.ErrArithmeticOverflow):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrTransferFailed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		g.log.WithError(err).WithField("op", op).Error("operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "operation failed"})
	}
}
