package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"termlend/core/pricing"
	nativecommon "termlend/native/common"
	"termlend/native/lending"
)

// Engine is the lending surface exposed over HTTP.
type Engine interface {
	Markets() ([]lending.Market, error)
	GlobalParams() (lending.GlobalParams, error)
	Paused() bool
	Loan(user, collateralToken common.Address) (*lending.Loan, error)
	CollateralBalance(user, token common.Address) (*big.Int, error)
	HealthFactor(ctx context.Context, user, collateralToken common.Address) (*big.Int, error)
	QuoteBorrow(ctx context.Context, user, borrowToken, collateralToken common.Address, duration time.Duration) (*lending.BorrowQuote, error)
	Price(ctx context.Context, token common.Address) (*big.Int, error)

	DepositCollateral(ctx context.Context, user, token common.Address, amount *big.Int) error
	WithdrawCollateral(ctx context.Context, user, token common.Address, amount *big.Int) error
	Borrow(ctx context.Context, user, borrowToken common.Address, amount *big.Int, collateralToken common.Address, duration time.Duration) (*lending.Loan, error)
	Repay(ctx context.Context, user, collateralToken common.Address, amount *big.Int) (*lending.Loan, error)
	Liquidate(ctx context.Context, user, collateralToken common.Address) (*lending.LiquidationResult, error)
	AddLiquidity(ctx context.Context, provider, token common.Address, amount *big.Int) error
	RemoveLiquidity(ctx context.Context, provider, token common.Address, amount *big.Int) error
	WithdrawLiquidatedCollateral(ctx context.Context, to, token common.Address, amount *big.Int) error

	Pause(ctx context.Context) error
	Unpause(ctx context.Context) error
	SetPriceFeed(ctx context.Context, token common.Address, base, quote string) error
	RemovePriceFeed(ctx context.Context, token common.Address) error
	AddBorrowToken(ctx context.Context, token common.Address) error
	RemoveBorrowToken(ctx context.Context, token common.Address) error
	AddCollateralToken(ctx context.Context, token common.Address) error
	RemoveCollateralToken(ctx context.Context, token common.Address) error
	AssetParams(token common.Address) (lending.AssetParams, error)
	SetLTV(ctx context.Context, token common.Address, ltvBPS uint64) error
	SetLiquidationPenalty(ctx context.Context, token common.Address, penaltyBPS uint64) error
	SetBorrowAmountBounds(ctx context.Context, token common.Address, minAmount, maxAmount *big.Int) error
	SetBorrowDurationBounds(ctx context.Context, minDuration, maxDuration time.Duration) error
	SetGracePeriod(ctx context.Context, grace time.Duration) error
	SetRateParams(ctx context.Context, params lending.RateParams) error
}

// SampleSink accepts operator-submitted price samples.
type SampleSink interface {
	Submit(base, quote string, value *big.Int, ts time.Time) error
}

// Config wires the HTTP server.
type Config struct {
	Engine         Engine
	Samples        SampleSink
	Auth           AuthConfig
	RateLimit      RateLimit
	RequestTimeout time.Duration
	ServiceName    string
	Logger         *slog.Logger
}

// Server translates HTTP requests into engine calls.
type Server struct {
	engine  Engine
	samples SampleSink
	timeout time.Duration
	logger  *slog.Logger
	nowFn   func() time.Time
}

// New builds the HTTP handler for the lending API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("lending server: engine required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "lendingd"
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &Server{
		engine:  cfg.Engine,
		samples: cfg.Samples,
		timeout: timeout,
		logger:  logger,
		nowFn:   time.Now,
	}
	auth := NewAuthenticator(cfg.Auth, logger)
	limiter, err := NewRateLimiter(cfg.RateLimit, logger)
	if err != nil {
		return nil, fmt.Errorf("lending server: %w", err)
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(observe(serviceName, logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(limiter.Middleware)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(true))
			r.Get("/markets", s.listMarkets)
			r.Get("/loans/{user}/{collateral}", s.getLoan)
			r.Get("/health/{user}/{collateral}", s.getHealth)
			r.Get("/quote", s.getQuote)
			r.Get("/prices/{token}", s.getPrice)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(false))
			r.Post("/collateral/deposit", s.depositCollateral)
			r.Post("/collateral/withdraw", s.withdrawCollateral)
			r.Post("/borrow", s.borrow)
			r.Post("/repay", s.repay)
			r.Post("/liquidate", s.liquidate)
			r.Post("/liquidity/add", s.addLiquidity)
			r.Post("/liquidity/remove", s.removeLiquidity)
			r.Post("/liquidity/seized/withdraw", s.withdrawSeized)

			r.Route("/admin", func(r chi.Router) {
				r.Post("/pause", s.pause)
				r.Post("/unpause", s.unpause)
				r.Post("/feeds", s.setFeed)
				r.Delete("/feeds/{token}", s.removeFeed)
				r.Post("/prices", s.submitSample)
				r.Post("/tokens/borrow", s.addBorrowToken)
				r.Delete("/tokens/borrow/{token}", s.removeBorrowToken)
				r.Post("/tokens/collateral", s.addCollateralToken)
				r.Delete("/tokens/collateral/{token}", s.removeCollateralToken)
				r.Post("/params/asset", s.setAssetParams)
				r.Post("/params/global", s.setGlobalParams)
				r.Post("/rate-model", s.setRateModel)
			})
		})
	})

	return otelhttp.NewHandler(r, serviceName), nil
}

func (s *Server) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

func (s *Server) caller(r *http.Request) (common.Address, error) {
	caller, ok := CallerFrom(r.Context())
	if !ok {
		return common.Address{}, nativecommon.ErrUnauthorized
	}
	return caller, nil
}

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.engine.Markets()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	global, err := s.engine.GlobalParams()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := MarketsResponse{
		Paused:                   s.engine.Paused(),
		MinBorrowDurationSeconds: uint64(global.MinBorrowDuration / time.Second),
		MaxBorrowDurationSeconds: uint64(global.MaxBorrowDuration / time.Second),
		GracePeriodSeconds:       uint64(global.GracePeriod / time.Second),
		Markets:                  make([]MarketResponse, 0, len(markets)),
	}
	for _, m := range markets {
		resp.Markets = append(resp.Markets, newMarketResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) positionParams(r *http.Request) (common.Address, common.Address, error) {
	user, err := parseAddress("user", chi.URLParam(r, "user"))
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	collateralToken, err := parseAddress("collateral", chi.URLParam(r, "collateral"))
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return user, collateralToken, nil
}

func (s *Server) getLoan(w http.ResponseWriter, r *http.Request) {
	user, collateralToken, err := s.positionParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.engine.Loan(user, collateralToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.engine.CollateralBalance(user, collateralToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLoanResponse(user, collateralToken, balance, loan))
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	user, collateralToken, err := s.positionParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	hf, err := s.engine.HealthFactor(ctx, user, collateralToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		HealthFactor: hf.String(),
		Liquidatable: hf.Cmp(lending.HealthyThreshold) < 0,
	})
}

func (s *Server) getQuote(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	user, err := parseAddress("user", query.Get("user"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	borrowToken, err := parseAddress("borrow_token", query.Get("borrow_token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	collateralToken, err := parseAddress("collateral_token", query.Get("collateral_token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	durationSeconds, err := strconv.ParseUint(query.Get("duration_seconds"), 10, 64)
	if err != nil {
		s.writeError(w, r, badRequest{fmt.Errorf("duration_seconds: %w", err)})
		return
	}
	duration, err := seconds("duration_seconds", durationSeconds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	quote, err := s.engine.QuoteBorrow(ctx, user, borrowToken, collateralToken, duration)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{
		UtilizationBPS:          quote.UtilizationBPS,
		RateBPS:                 quote.RateBPS,
		CollateralValueUSD:      quote.CollateralValueUSD.String(),
		MaxBorrowBeforeInterest: quote.MaxBorrowBeforeInterest.String(),
		MaxBorrowAfterInterest:  quote.MaxBorrowAfterInterest.String(),
	})
}

func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	token, err := parseAddress("token", chi.URLParam(r, "token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	price, err := s.engine.Price(ctx, token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPriceResponse(token, price))
}

// amountCall decodes {token, amount} and invokes fn on behalf of the caller.
func (s *Server) amountCall(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, caller, token common.Address, amount *big.Int) error) {
	caller, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req amountRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := parseAddress("token", req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := fn(ctx, caller, token, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) depositCollateral(w http.ResponseWriter, r *http.Request) {
	s.amountCall(w, r, s.engine.DepositCollateral)
}

func (s *Server) withdrawCollateral(w http.ResponseWriter, r *http.Request) {
	s.amountCall(w, r, s.engine.WithdrawCollateral)
}

func (s *Server) addLiquidity(w http.ResponseWriter, r *http.Request) {
	s.amountCall(w, r, s.engine.AddLiquidity)
}

func (s *Server) removeLiquidity(w http.ResponseWriter, r *http.Request) {
	s.amountCall(w, r, s.engine.RemoveLiquidity)
}

func (s *Server) withdrawSeized(w http.ResponseWriter, r *http.Request) {
	s.amountCall(w, r, s.engine.WithdrawLiquidatedCollateral)
}

func (s *Server) borrow(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req borrowRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	borrowToken, err := parseAddress("borrow_token", req.BorrowToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	collateralToken, err := parseAddress("collateral_token", req.CollateralToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	duration, err := seconds("duration_seconds", req.DurationSeconds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	loan, err := s.engine.Borrow(ctx, caller, borrowToken, amount, collateralToken, duration)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.engine.CollateralBalance(caller, collateralToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newLoanResponse(caller, collateralToken, balance, loan))
}

func (s *Server) repay(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req repayRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	collateralToken, err := parseAddress("collateral_token", req.CollateralToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	loan, err := s.engine.Repay(ctx, caller, collateralToken, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.engine.CollateralBalance(caller, collateralToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLoanResponse(caller, collateralToken, balance, loan))
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	collateralToken, err := parseAddress("collateral_token", req.CollateralToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	result, err := s.engine.Liquidate(ctx, user, collateralToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLiquidationResponse(result))
}

// adminCall runs fn with a bounded context and answers 204 on success.
func (s *Server) adminCall(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) error) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := fn(ctx); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.adminCall(w, r, s.engine.Pause)
}

func (s *Server) unpause(w http.ResponseWriter, r *http.Request) {
	s.adminCall(w, r, s.engine.Unpause)
}

func (s *Server) setFeed(w http.ResponseWriter, r *http.Request) {
	var req feedRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := parseAddress("token", req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.adminCall(w, r, func(ctx context.Context) error {
		return s.engine.SetPriceFeed(ctx, token, req.Base, req.Quote)
	})
}

func (s *Server) removeFeed(w http.ResponseWriter, r *http.Request) {
	s.tokenPathCall(w, r, s.engine.RemovePriceFeed)
}

func (s *Server) submitSample(w http.ResponseWriter, r *http.Request) {
	if err := nativecommon.Require(r.Context(), nativecommon.RoleParameterManager); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.samples == nil {
		s.writeError(w, r, lending.ErrUnsupportedOperation)
		return
	}
	var req sampleRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	price, err := pricing.ParseDecimal(req.Price)
	if err != nil {
		s.writeError(w, r, badRequest{err})
		return
	}
	ts := s.nowFn().UTC()
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}
	if err := s.samples.Submit(req.Base, req.Quote, price, ts); err != nil {
		s.writeError(w, r, badRequest{err})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) tokenBodyCall(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, token common.Address) error) {
	var req tokenRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := parseAddress("token", req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.adminCall(w, r, func(ctx context.Context) error { return fn(ctx, token) })
}

func (s *Server) tokenPathCall(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, token common.Address) error) {
	token, err := parseAddress("token", chi.URLParam(r, "token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.adminCall(w, r, func(ctx context.Context) error { return fn(ctx, token) })
}

func (s *Server) addBorrowToken(w http.ResponseWriter, r *http.Request) {
	s.tokenBodyCall(w, r, s.engine.AddBorrowToken)
}

func (s *Server) removeBorrowToken(w http.ResponseWriter, r *http.Request) {
	s.tokenPathCall(w, r, s.engine.RemoveBorrowToken)
}

func (s *Server) addCollateralToken(w http.ResponseWriter, r *http.Request) {
	s.tokenBodyCall(w, r, s.engine.AddCollateralToken)
}

func (s *Server) removeCollateralToken(w http.ResponseWriter, r *http.Request) {
	s.tokenPathCall(w, r, s.engine.RemoveCollateralToken)
}

func (s *Server) setAssetParams(w http.ResponseWriter, r *http.Request) {
	var req assetParamsRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := parseAddress("token", req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.LTVBPS == nil && req.LiquidationPenaltyBPS == nil && req.MinBorrow == nil && req.MaxBorrow == nil {
		s.writeError(w, r, badRequest{errors.New("no parameters supplied")})
		return
	}
	var minBorrow, maxBorrow *big.Int
	if req.MinBorrow != nil || req.MaxBorrow != nil {
		current, err := s.engine.AssetParams(token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		minBorrow, maxBorrow = current.MinBorrow, current.MaxBorrow
		if req.MinBorrow != nil {
			if minBorrow, err = parseAmount("min_borrow", *req.MinBorrow); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
		if req.MaxBorrow != nil {
			if maxBorrow, err = parseAmount("max_borrow", *req.MaxBorrow); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
	}
	s.adminCall(w, r, func(ctx context.Context) error {
		if req.LTVBPS != nil {
			if err := s.engine.SetLTV(ctx, token, *req.LTVBPS); err != nil {
				return err
			}
		}
		if req.LiquidationPenaltyBPS != nil {
			if err := s.engine.SetLiquidationPenalty(ctx, token, *req.LiquidationPenaltyBPS); err != nil {
				return err
			}
		}
		if minBorrow != nil {
			return s.engine.SetBorrowAmountBounds(ctx, token, minBorrow, maxBorrow)
		}
		return nil
	})
}

func (s *Server) setGlobalParams(w http.ResponseWriter, r *http.Request) {
	var req globalParamsRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	current, err := s.engine.GlobalParams()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	minDuration, maxDuration, grace := current.MinBorrowDuration, current.MaxBorrowDuration, current.GracePeriod
	for _, field := range []struct {
		name string
		in   *uint64
		out  *time.Duration
	}{
		{"min_borrow_duration_seconds", req.MinBorrowDurationSeconds, &minDuration},
		{"max_borrow_duration_seconds", req.MaxBorrowDurationSeconds, &maxDuration},
		{"grace_period_seconds", req.GracePeriodSeconds, &grace},
	} {
		if field.in == nil {
			continue
		}
		if *field.out, err = seconds(field.name, *field.in); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.adminCall(w, r, func(ctx context.Context) error {
		if req.MinBorrowDurationSeconds != nil || req.MaxBorrowDurationSeconds != nil {
			if err := s.engine.SetBorrowDurationBounds(ctx, minDuration, maxDuration); err != nil {
				return err
			}
		}
		if req.GracePeriodSeconds != nil {
			return s.engine.SetGracePeriod(ctx, grace)
		}
		return nil
	})
}

func (s *Server) setRateModel(w http.ResponseWriter, r *http.Request) {
	var req rateModelRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.adminCall(w, r, func(ctx context.Context) error {
		return s.engine.SetRateParams(ctx, lending.RateParams{
			BaseRatePerDayBPS: req.BaseRatePerDayBPS,
			Slope1BPS:         req.Slope1BPS,
			Slope2BPS:         req.Slope2BPS,
			KinkBPS:           req.KinkBPS,
		})
	})
}
