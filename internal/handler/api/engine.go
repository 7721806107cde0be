package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"papertrader/internal/domain/models"
	"papertrader/internal/engine"
	"papertrader/internal/execution"
	"papertrader/internal/history"
	xhttp "papertrader/pkg/http"
	xlogger "papertrader/pkg/logger"
)

// EngineService is the slice of the engine the API needs.
type EngineService interface {
	Status() models.EngineStatus
	Balance() float64
	Equity() float64
	ForceTrade(ctx context.Context, req engine.ForceTradeRequest) (engine.ForceTradeResult, error)
	SetAutoPaper(v bool)
	SetConfidenceThreshold(v float64)
	ResetBreaker()
}

// EngineHandler serves the operator surface of the paper engine.
type EngineHandler struct {
	logger *xlogger.Logger
	engine EngineService
	store  history.Store
}

func NewEngineHandler(logger *xlogger.Logger, eng EngineService, store history.Store) *EngineHandler {
	return &EngineHandler{logger: logger, engine: eng, store: store}
}

func (h *EngineHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/status", h.Status)
	g.GET("/trades", h.Trades)
	g.GET("/orders", h.Orders)
	g.GET("/decisions", h.Decisions)
	g.POST("/force-trade", h.ForceTrade)
	g.POST("/settings", h.Settings)
	g.POST("/breaker/reset", h.ResetBreaker)
}

// StatusResponse is the engine snapshot plus the account view.
type StatusResponse struct {
	models.EngineStatus
	Balance float64 `json:"balance"`
	Equity  float64 `json:"equity"`
}

func (h *EngineHandler) Status(c echo.Context) error {
	return xhttp.SuccessResponse(c, StatusResponse{
		EngineStatus: h.engine.Status(),
		Balance:      h.engine.Balance(),
		Equity:       h.engine.Equity(),
	})
}

type listRequest struct {
	Limit int `query:"limit" default:"50" validate:"gte=1,lte=500"`
}

func (h *EngineHandler) Trades(c echo.Context) error {
	req := &listRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	trades, err := h.store.RecentTrades(c.Request().Context(), req.Limit)
	if err != nil {
		h.logger.Error("trades read failed", xlogger.Error(err))
		return xhttp.InternalServerErrorResponse(c)
	}
	return xhttp.ListResponse(c, trades, int64(len(trades)))
}

func (h *EngineHandler) Orders(c echo.Context) error {
	req := &listRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	orders, err := h.store.RecentOrders(c.Request().Context(), req.Limit)
	if err != nil {
		h.logger.Error("orders read failed", xlogger.Error(err))
		return xhttp.InternalServerErrorResponse(c)
	}
	return xhttp.ListResponse(c, orders, int64(len(orders)))
}

func (h *EngineHandler) Decisions(c echo.Context) error {
	req := &listRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	decisions, err := h.store.RecentDecisions(c.Request().Context(), req.Limit)
	if err != nil {
		h.logger.Error("decisions read failed", xlogger.Error(err))
		return xhttp.InternalServerErrorResponse(c)
	}
	return xhttp.ListResponse(c, decisions, int64(len(decisions)))
}

// ForceTradeRequest is the operator trade payload. Qty and NotionalUSD
// are alternatives; exactly one must be positive for a BUY.
type ForceTradeRequest struct {
	Symbol        string  `json:"symbol" validate:"required"`
	Side          string  `json:"side" validate:"required,oneof=BUY SELL"`
	Qty           float64 `json:"qty" validate:"gte=0"`
	NotionalUSD   float64 `json:"notionalUsd" validate:"gte=0"`
	StopLossPct   float64 `json:"slPct" validate:"gte=0,lt=1"`
	TakeProfitPct float64 `json:"tpPct" validate:"gte=0"`
	StopLossAt    float64 `json:"slPrice" validate:"gte=0"`
	TakeProfitAt  float64 `json:"tpPrice" validate:"gte=0"`
	RequestID     string  `json:"requestId"`
	DecisionID    string  `json:"decisionId"`
}

// replayKey is the operator-supplied idempotency handle. Older dashboard
// clients send it as decisionId, newer ones as requestId; both pin replays
// of one request to one fill.
func (r *ForceTradeRequest) replayKey() string {
	if r.RequestID != "" {
		return r.RequestID
	}
	return r.DecisionID
}

func (h *EngineHandler) ForceTrade(c echo.Context) error {
	req := &ForceTradeRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if req.Side == string(models.SideBuy) && req.Qty <= 0 && req.NotionalUSD <= 0 {
		return xhttp.BadRequestResponse(c, []xhttp.ValidationError{{
			Code:    "ERR_REQUIRED",
			Field:   "qty",
			Message: "a BUY needs qty or notionalUsd",
		}})
	}

	res, err := h.engine.ForceTrade(c.Request().Context(), engine.ForceTradeRequest{
		Symbol:        req.Symbol,
		Side:          models.Side(req.Side),
		Qty:           req.Qty,
		NotionalUSD:   req.NotionalUSD,
		StopLossPct:   req.StopLossPct,
		TakeProfitPct: req.TakeProfitPct,
		StopLossAt:    req.StopLossAt,
		TakeProfitAt:  req.TakeProfitAt,
		RequestID:     req.replayKey(),
	})
	switch {
	case errors.Is(err, engine.ErrUnknownSymbol):
		return xhttp.NotFoundResponse(c, "symbol not traded")
	case errors.Is(err, engine.ErrNoMarketData),
		errors.Is(err, execution.ErrInsufficientHoldings):
		return xhttp.BadRequestResponse(c, err.Error())
	case err != nil:
		h.logger.Error("force trade failed", xlogger.Error(err))
		return xhttp.InternalServerErrorResponse(c)
	}
	if res.Duplicate {
		return xhttp.SuccessResponse(c, res)
	}
	return xhttp.CreatedResponse(c, res)
}

// SettingsRequest updates the runtime toggles; absent fields keep their
// current value.
type SettingsRequest struct {
	ConfidenceThreshold *float64 `json:"confidenceThreshold" validate:"omitempty,gte=0,lte=1"`
	AutoPaper           *bool    `json:"autoPaper"`
}

func (h *EngineHandler) Settings(c echo.Context) error {
	req := &SettingsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if req.ConfidenceThreshold != nil {
		h.engine.SetConfidenceThreshold(*req.ConfidenceThreshold)
	}
	if req.AutoPaper != nil {
		h.engine.SetAutoPaper(*req.AutoPaper)
	}
	return xhttp.SuccessResponse(c, h.engine.Status())
}

func (h *EngineHandler) ResetBreaker(c echo.Context) error {
	h.engine.ResetBreaker()
	h.logger.Info("circuit breaker reset by operator")
	return xhttp.DataResponse(c, http.StatusOK, "breaker reset")
}
