// Package api exposes the engine over REST and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/openlev/leverd/pkg/bank"
	"github.com/openlev/leverd/pkg/engine"
)

// Server handles REST API and WebSocket connections.
type Server struct {
	engine  *engine.Engine
	vault   *bank.Vault
	router  *mux.Router
	hub     *Hub
	metrics *Metrics
	log     *zap.SugaredLogger
	srv     *http.Server
}

func NewServer(eng *engine.Engine, vault *bank.Vault, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		engine:  eng,
		vault:   vault,
		router:  mux.NewRouter(),
		hub:     NewHub(logger),
		metrics: NewMetrics(),
		log:     logger,
	}

	// The handler runs inside the engine's critical section; it only bumps
	// counters and queues the broadcast.
	eng.SetEventHandler(func(ev engine.Event) {
		s.metrics.Observe(ev)
		s.hub.BroadcastToChannel("events", ev)
		if ev.Symbol != "" {
			s.hub.BroadcastToChannel("events:"+ev.Symbol, ev)
		}
	})

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Position endpoints
	api.HandleFunc("/positions", s.handleOpenPosition).Methods("POST")
	api.HandleFunc("/positions/{id:[0-9]+}", s.handleGetPosition).Methods("GET")
	api.HandleFunc("/positions/{id:[0-9]+}/close", s.handleClosePosition).Methods("POST")
	api.HandleFunc("/positions/{id:[0-9]+}/liquidate", s.handleLiquidatePosition).Methods("POST")

	// Order endpoints
	api.HandleFunc("/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/orders/delegated", s.handlePlaceDelegatedOrder).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/execute", s.handleExecuteOrder).Methods("POST")

	// Account endpoints
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/accounts/{address}/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/accounts/{address}/withdraw", s.handleWithdraw).Methods("POST")

	// Asset & pool endpoints
	api.HandleFunc("/assets", s.handleGetAssets).Methods("GET")
	api.HandleFunc("/assets/{symbol}", s.handleGetAsset).Methods("GET")
	api.HandleFunc("/pool", s.handleGetPool).Methods("GET")

	// Admin endpoints
	api.HandleFunc("/admin/assets", s.handleSetAsset).Methods("POST")
	api.HandleFunc("/admin/roles/grant", s.handleGrantRole).Methods("POST")
	api.HandleFunc("/admin/roles/revoke", s.handleRevokeRole).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})

	s.srv = &http.Server{Addr: addr, Handler: c.Handler(s.router)}
	s.log.Infow("api_listening", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ==============================
// Position handlers
// ==============================

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	owner, ok := parseAddress(w, req.Owner)
	if !ok {
		return
	}
	collateral, err := parseUSD(req.Collateral)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid collateral", err.Error())
		return
	}
	quote, err := parseQuote(req.Quote)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid quote", err.Error())
		return
	}

	pos, err := s.engine.OpenPosition(owner, quote, req.Symbol, req.Long, collateral, req.Leverage)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, s.renderPosition(pos))
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, mux.Vars(r)["id"])
	if !ok {
		return
	}
	pos, found := s.engine.Position(id)
	if !found {
		respondError(w, http.StatusNotFound, "position not found", "")
		return
	}
	respondJSON(w, s.renderPosition(pos))
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, mux.Vars(r)["id"])
	if !ok {
		return
	}
	var req ClosePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	caller, ok := parseAddress(w, req.Caller)
	if !ok {
		return
	}
	quote, err := parseQuote(req.Quote)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid quote", err.Error())
		return
	}

	settlement, err := s.engine.ClosePosition(caller, id, quote)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, settlementInfo(settlement))
}

func (s *Server) handleLiquidatePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, mux.Vars(r)["id"])
	if !ok {
		return
	}
	var req ClosePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	caller, ok := parseAddress(w, req.Caller)
	if !ok {
		return
	}
	quote, err := parseQuote(req.Quote)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid quote", err.Error())
		return
	}

	settlement, err := s.engine.LiquidatePosition(caller, id, quote)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, settlementInfo(settlement))
}

// ==============================
// Order handlers
// ==============================

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	owner, ok := parseAddress(w, req.Owner)
	if !ok {
		return
	}
	params, err := orderParams(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}

	o, err := s.engine.PlaceOrder(owner, params)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, orderInfo(o))
}

func (s *Server) handlePlaceDelegatedOrder(w http.ResponseWriter, r *http.Request) {
	var req DelegatedOrderRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	relayer, ok := parseAddress(w, req.Relayer)
	if !ok {
		return
	}
	owner, ok := parseAddress(w, req.Owner)
	if !ok {
		return
	}
	params, err := orderParams(req.Params)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}
	maxFee, err := parseUSD(req.MaxExecutionFee)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid max execution fee", err.Error())
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signature", err.Error())
		return
	}

	o, err := s.engine.PlaceDelegatedOrder(relayer, engine.DelegatedOrderRequest{
		Owner:           owner,
		Params:          params,
		MaxExecutionFee: maxFee,
		Nonce:           req.Nonce,
		Signature:       sig,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, orderInfo(o))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, mux.Vars(r)["id"])
	if !ok {
		return
	}
	o, found := s.engine.Order(id)
	if !found {
		respondError(w, http.StatusNotFound, "order not found", "")
		return
	}
	respondJSON(w, orderInfo(o))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, mux.Vars(r)["id"])
	if !ok {
		return
	}
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	caller, ok := parseAddress(w, req.Caller)
	if !ok {
		return
	}

	o, err := s.engine.CancelOrder(caller, id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, orderInfo(o))
}

func (s *Server) handleExecuteOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, mux.Vars(r)["id"])
	if !ok {
		return
	}
	var req ExecuteOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	caller, ok := parseAddress(w, req.Caller)
	if !ok {
		return
	}
	quote, err := parseQuote(req.Quote)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid quote", err.Error())
		return
	}
	var execFee int64
	if req.ExecutionFee != "" {
		if execFee, err = parseUSD(req.ExecutionFee); err != nil {
			respondError(w, http.StatusBadRequest, "invalid execution fee", err.Error())
			return
		}
	}

	o, settlement, err := s.engine.ExecuteOrder(caller, id, quote, execFee)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]any{
		"order":      orderInfo(o),
		"settlement": settlementInfo(settlement),
	})
}

// ==============================
// Account handlers
// ==============================

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	respondJSON(w, AccountInfo{
		Address: addr.Hex(),
		Balance: usd(s.vault.Balance(addr)),
		Nonce:   s.engine.Nonce(addr),
	})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	positions := s.engine.PositionsOf(addr)
	out := make([]PositionInfo, 0, len(positions))
	for _, pos := range positions {
		out = append(out, s.renderPosition(pos))
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	orders := s.engine.OrdersOf(addr)
	out := make([]OrderInfo, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderInfo(o))
	}
	respondJSON(w, out)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	amount, err := parseUSD(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return
	}
	if err := s.vault.Deposit(addr, amount); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, AccountInfo{Address: addr.Hex(), Balance: usd(s.vault.Balance(addr)), Nonce: s.engine.Nonce(addr)})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	amount, err := parseUSD(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return
	}
	if err := s.vault.Withdraw(addr, amount); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, AccountInfo{Address: addr.Hex(), Balance: usd(s.vault.Balance(addr)), Nonce: s.engine.Nonce(addr)})
}

// ==============================
// Asset & admin handlers
// ==============================

func (s *Server) handleGetAssets(w http.ResponseWriter, r *http.Request) {
	configs := s.engine.AssetConfigs()
	out := make([]AssetInfo, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, assetInfo(cfg, s.engine.OpenInterest(cfg.Symbol)))
	}
	respondJSON(w, out)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	cfg, ok := s.engine.AssetConfig(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "asset not found", "")
		return
	}
	respondJSON(w, assetInfo(cfg, s.engine.OpenInterest(symbol)))
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, PoolInfo{
		Pool:     usd(s.vault.PoolBalance()),
		Treasury: usd(s.vault.TreasuryBalance()),
	})
}

func (s *Server) handleSetAsset(w http.ResponseWriter, r *http.Request) {
	var req SetAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	caller, ok := parseAddress(w, req.Caller)
	if !ok {
		return
	}
	maxSize, err := parseUSD(req.MaxPositionSize)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid max position size", err.Error())
		return
	}
	maxOI, err := parseUSD(req.MaxOpenInterest)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid max open interest", err.Error())
		return
	}

	cfg := engine.AssetConfig{
		Symbol:                  req.Symbol,
		Enabled:                 req.Enabled,
		MaxLeverage:             req.MaxLeverage,
		MaxPositionSize:         maxSize,
		MaxOpenInterest:         maxOI,
		LiquidationThresholdBps: req.LiquidationThresholdBps,
	}
	if err := s.engine.SetAssetConfig(caller, cfg); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, assetInfo(cfg, s.engine.OpenInterest(cfg.Symbol)))
}

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	s.handleRoleChange(w, r, true)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	s.handleRoleChange(w, r, false)
}

func (s *Server) handleRoleChange(w http.ResponseWriter, r *http.Request, grant bool) {
	var req RoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	caller, ok := parseAddress(w, req.Caller)
	if !ok {
		return
	}
	addr, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}
	role, err := parseRole(req.Role)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid role", err.Error())
		return
	}

	if grant {
		err = s.engine.GrantRole(caller, addr, role)
	} else {
		err = s.engine.RevokeRole(caller, addr, role)
	}
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

// renderPosition attaches the liquidation price for open positions.
func (s *Server) renderPosition(pos *engine.Position) PositionInfo {
	out := positionInfo(pos)
	if pos.Status == engine.PositionOpen {
		if liq, err := s.engine.LiquidationPrice(pos); err == nil {
			out.LiquidationPrice = price(liq)
		}
	}
	return out
}

func orderParams(req PlaceOrderRequest) (engine.OrderParams, error) {
	kind, err := parseOrderKind(req.Kind)
	if err != nil {
		return engine.OrderParams{}, err
	}
	trigger, err := parsePrice(req.TriggerPrice)
	if err != nil {
		return engine.OrderParams{}, err
	}
	var collateral int64
	if req.Collateral != "" {
		if collateral, err = parseUSD(req.Collateral); err != nil {
			return engine.OrderParams{}, err
		}
	}
	return engine.OrderParams{
		Kind:         kind,
		Symbol:       req.Symbol,
		Long:         req.Long,
		Collateral:   collateral,
		Leverage:     req.Leverage,
		TriggerPrice: trigger,
		PositionID:   req.PositionID,
		ExpiresAt:    req.ExpiresAt,
	}, nil
}

func parseQuote(p QuotePayload) (engine.SignedPriceQuote, error) {
	pr, err := parsePrice(p.Price)
	if err != nil {
		return engine.SignedPriceQuote{}, err
	}
	sig, err := hexutil.Decode(p.Signature)
	if err != nil {
		return engine.SignedPriceQuote{}, err
	}
	return engine.SignedPriceQuote{
		Symbol:    p.Symbol,
		Price:     pr,
		Timestamp: p.Timestamp,
		Signature: sig,
	}, nil
}

func parseAddress(w http.ResponseWriter, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		respondError(w, http.StatusBadRequest, "invalid address", s)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func parseID(w http.ResponseWriter, s string) (uint64, bool) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id", s)
		return 0, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: error, Message: message})
}

func respondEngineError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, engine.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrState), errors.Is(err, engine.ErrNotOpen), errors.Is(err, engine.ErrReplay):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrUnderflow):
		status = http.StatusInternalServerError
	}
	respondError(w, status, "request rejected", err.Error())
}
