package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/stakevault/internal/gateway"
	"github.com/terminal-bench/stakevault/internal/identity"
	"github.com/terminal-bench/stakevault/internal/journal"
	"github.com/terminal-bench/stakevault/internal/ledger"
	"github.com/terminal-bench/stakevault/internal/token"
	"github.com/terminal-bench/stakevault/pkg/messaging"
)

const custodyAccount = "stakevault:custody"

func main() {
	log := logrus.WithField("service", "stakevaultd")

	if level, err := logrus.ParseLevel(envOr("LOG_LEVEL", "info")); err == nil {
		logrus.SetLevel(level)
	}

	port := envOr("PORT", "8080")
	dbURL := os.Getenv("DATABASE_URL")
	natsURL := os.Getenv("NATS_URL")
	redisURL := os.Getenv("REDIS_URL")
	operator := envOr("OPERATOR_ID", "operator")

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = identity.NewSecret()
		log.Warn("JWT_SECRET not set, using a random secret; sessions will not survive restarts")
	}

	rate, err := uint256.FromDecimal(envOr("REWARD_RATE", "1000000000"))
	if err != nil {
		log.WithError(err).Fatal("invalid REWARD_RATE")
	}

	if dbURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	ctx := context.Background()

	ids := identity.NewService(db, jwtSecret)
	if err := ids.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("failed to create accounts schema")
	}

	jnl := journal.New(db)
	if err := jnl.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("failed to create journal schema")
	}

	var msgClient *messaging.Client
	if natsURL != "" {
		msgClient, err = messaging.NewClient(natsURL, messaging.ClientOptions{
			Name:          "stakevaultd",
			ReconnectWait: time.Second,
			MaxReconnects: 5,
		})
		if err != nil {
			log.WithError(err).Fatal("failed to connect to NATS")
		}
		defer msgClient.Close()
	} else {
		log.Warn("NATS_URL not set, event publishing disabled")
	}

	var rdb *redis.Client
	if redisURL != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisURL})
	} else {
		log.Warn("REDIS_URL not set, rate limiting disabled")
	}

	rateLimitMax, err := strconv.Atoi(envOr("RATE_LIMIT_MAX", "120"))
	if err != nil {
		log.WithError(err).Fatal("invalid RATE_LIMIT_MAX")
	}

	stakingAsset := token.NewLedger(envOr("STAKING_ASSET", "STK"))
	rewardAsset := token.NewLedger(envOr("REWARD_ASSET", "RWD"))
	if supply := os.Getenv("GENESIS_STAKING_SUPPLY"); supply != "" {
		mintGenesis(log, stakingAsset, operator, supply)
	}
	if supply := os.Getenv("GENESIS_REWARD_SUPPLY"); supply != "" {
		mintGenesis(log, rewardAsset, operator, supply)
	}

	var events ledger.EventPublisher
	if msgClient != nil {
		events = msgClient
	}

	stakeLedger := ledger.New(ledger.Config{
		RewardRatePerSecond: rate,
		Operator:            operator,
		Custody:             custodyAccount,
	}, stakingAsset, rewardAsset, events)

	gw := gateway.New(gateway.Config{
		RateLimitMax:    rateLimitMax,
		RateLimitWindow: time.Minute,
	}, stakeLedger, ids, jnl, msgClient, rdb, map[string]*token.Ledger{
		stakingAsset.Symbol(): stakingAsset,
		rewardAsset.Symbol():  rewardAsset,
	})
	if err := gw.StartEventRelay(); err != nil {
		log.WithError(err).Fatal("failed to start event relay")
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: gw.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
		case <-gctx.Done():
			return nil
		}

		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func mintGenesis(log *logrus.Entry, asset *token.Ledger, account, supply string) {
	amount, err := uint256.FromDecimal(supply)
	if err != nil {
		log.WithError(err).WithField("asset", asset.Symbol()).Fatal("invalid genesis supply")
	}
	asset.Mint(account, amount)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
