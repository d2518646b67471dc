// Package api exposes the REST and websocket surface of the node. Handlers
// verify signatures and run risk checks before anything touches the matching
// engine; the engine's decisions are reported back verbatim.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/obdex/obdex/pkg/balance"
	"github.com/obdex/obdex/pkg/core"
	"github.com/obdex/obdex/pkg/crypto"
	"github.com/obdex/obdex/pkg/engine"
	"github.com/obdex/obdex/pkg/metrics"
	"github.com/obdex/obdex/pkg/risk"
)

// Version reported by /api/v1/health.
const Version = "1.0.0"

// Server wires the HTTP surface to the engine, balances and risk checker.
type Server struct {
	log      *zap.Logger
	engine   *engine.Engine
	balances *balance.Manager
	verifier *crypto.OrderVerifier
	risk     *risk.Checker
	hub      *Hub

	router   *mux.Router
	validate *validator.Validate
	http     *http.Server
}

type Options struct {
	Log          *zap.Logger
	Engine       *engine.Engine
	Balances     *balance.Manager
	Verifier     *crypto.OrderVerifier
	Risk         *risk.Checker
	Hub          *Hub
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func NewServer(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub(log)
	}
	s := &Server{
		log:      log,
		engine:   opts.Engine,
		balances: opts.Balances,
		verifier: opts.Verifier,
		risk:     opts.Risk,
		hub:      hub,
		router:   mux.NewRouter(),
		validate: validator.New(),
	}
	s.routes()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})
	s.http = &http.Server{
		Addr:         opts.Address,
		Handler:      c.Handler(s.router),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

// Hub returns the websocket hub so it can be registered as the engine's
// publisher.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods("DELETE")
	api.HandleFunc("/orderbook/{pair}", s.handleGetOrderBook).Methods("GET")
	api.HandleFunc("/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/stats/{pair}", s.handleGetStats).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
}

// Start runs the hub and the HTTP listener; it blocks until Shutdown.
func (s *Server) Start() error {
	go s.hub.Run()
	s.log.Info("api server listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.http.Shutdown(ctx)
}

// ==============================
// Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: iso(time.Now()),
		Version:   Version,
	})
}

// handlePlaceOrder admits a signed order: parse, verify signature, reject
// expired, duplicate and risky orders, lock funds, then hand off to the
// matching engine. Fills produced synchronously are returned in the response.
func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, core.E(core.CodeMalformedRequest, "invalid JSON body: %v", err), "")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondError(w, core.E(core.CodeMalformedRequest, "invalid request: %v", err), "")
		return
	}

	o, err := s.orderFromRequest(&req)
	if err != nil {
		s.respondError(w, err, "")
		return
	}

	hash, _, err := s.verifier.Verify(o, time.Now())
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(string(core.CodeOf(err))).Inc()
		s.respondError(w, err, "")
		return
	}
	o.Hash = hash

	// Duplicate hashes return the existing order id so clients can resync.
	if existingID, dup := s.engine.DuplicateOf(hash); dup {
		s.respondError(w, core.E(core.CodeDuplicateOrder, "order already admitted"), existingID)
		return
	}
	if err := s.engine.CheckAdmissible(hash, o.User, o.Nonce); err != nil {
		metrics.OrdersRejected.WithLabelValues(string(core.CodeOf(err))).Inc()
		s.respondError(w, err, "")
		return
	}

	refPrice := s.engine.LastPrice(o.Pair)
	if err := s.risk.CheckOrder(o, refPrice, s.engine.OpenOrderCount(o.User)); err != nil {
		metrics.OrdersRejected.WithLabelValues(string(core.CodeOf(err))).Inc()
		s.respondError(w, err, "")
		return
	}

	// The fund lock is keyed by order id, so assign it before locking.
	o.ID = uuid.NewString()
	if s.risk.BalanceCheckEnabled() {
		if err := s.lockFunds(o); err != nil {
			metrics.OrdersRejected.WithLabelValues(string(core.CodeOf(err))).Inc()
			s.respondError(w, err, "")
			return
		}
	}

	fills, err := s.engine.Execute(o)
	if err != nil {
		s.balances.UnlockForOrder(o.ID)
		metrics.OrdersRejected.WithLabelValues(string(core.CodeOf(err))).Inc()
		s.respondError(w, err, "")
		return
	}

	metrics.OrdersAdmitted.WithLabelValues(o.Pair).Inc()
	metrics.Fills.WithLabelValues(o.Pair).Add(float64(len(fills)))

	respondJSON(w, http.StatusCreated, PlaceOrderResponse{
		OrderID: o.ID,
		Status:  string(o.Status),
		Fills:   fillInfos(fills),
	})
}

// lockFunds reserves the order's required balance. A market BUY against an
// empty book has no reference price; admission proceeds without a lock and
// the engine cancels it with zero fills.
func (s *Server) lockFunds(o *core.Order) error {
	var refPrice decimal.Decimal
	if o.Kind == core.Market && o.Side == core.Buy {
		if best, ok := s.engine.BestAsk(o.Pair); ok {
			refPrice = best
		}
	}
	err := s.balances.LockForOrder(o, refPrice)
	if err != nil && core.HasCode(err, core.CodeBookEmpty) && o.Kind == core.Market {
		return nil
	}
	return err
}

func (s *Server) orderFromRequest(req *PlaceOrderRequest) (*core.Order, error) {
	side, err := core.ParseSide(req.Side)
	if err != nil {
		return nil, err
	}
	kind, err := core.ParseKind(req.OrderType)
	if err != nil {
		return nil, err
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		return nil, core.E(core.CodeInvalidParameter, "invalid price %q", req.Price)
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return nil, core.E(core.CodeInvalidParameter, "invalid amount %q", req.Amount)
	}
	if !amount.IsPositive() {
		return nil, core.E(core.CodeInvalidParameter, "amount must be positive")
	}
	if kind != core.Market && !price.IsPositive() {
		return nil, core.E(core.CodeInvalidParameter, "price must be positive for %s orders", kind)
	}
	sig := common.FromHex(req.Signature)
	if len(sig) == 0 {
		return nil, core.E(core.CodeMalformedSignature, "signature is not valid hex")
	}

	pair, err := s.engine.Pair(req.TradingPair)
	if err != nil {
		return nil, err
	}
	baseToken := common.HexToAddress(req.BaseToken)
	quoteToken := common.HexToAddress(req.QuoteToken)
	if baseToken != pair.BaseToken || quoteToken != pair.QuoteToken {
		return nil, core.E(core.CodeInvalidParameter,
			"token addresses do not match pair %s", pair.Symbol)
	}

	var expiresAt time.Time
	if req.ExpiresAt > 0 {
		expiresAt = time.Unix(req.ExpiresAt, 0)
	}

	return &core.Order{
		User:       common.HexToAddress(req.UserAddress),
		Pair:       pair.Symbol,
		BaseToken:  baseToken,
		QuoteToken: quoteToken,
		Side:       side,
		Kind:       kind,
		Price:      price,
		Amount:     amount,
		ExpiresAt:  expiresAt,
		Nonce:      req.Nonce,
		Signature:  sig,
		Status:     core.StatusPending,
	}, nil
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]
	userParam := r.URL.Query().Get("user_address")
	if !common.IsHexAddress(userParam) {
		s.respondError(w, core.E(core.CodeInvalidParameter, "user_address query parameter required"), orderID)
		return
	}
	user := common.HexToAddress(userParam)

	if err := s.risk.CheckCancel(user); err != nil {
		s.respondError(w, err, orderID)
		return
	}

	o, err := s.engine.Cancel(orderID, user)
	if err != nil {
		s.respondError(w, err, orderID)
		return
	}
	respondJSON(w, http.StatusOK, CancelOrderResponse{
		OrderID: o.ID,
		Status:  string(o.Status),
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.GetOrder(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err, "")
		return
	}
	respondJSON(w, http.StatusOK, orderInfo(o))
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := engine.OrderFilter{
		Pair:   q.Get("trading_pair"),
		Status: core.Status(strings.ToUpper(q.Get("status"))),
		Limit:  intParam(q.Get("limit"), 50),
		Offset: intParam(q.Get("offset"), 0),
	}
	if ua := q.Get("user_address"); ua != "" {
		if !common.IsHexAddress(ua) {
			s.respondError(w, core.E(core.CodeInvalidParameter, "invalid user_address"), "")
			return
		}
		filter.User = common.HexToAddress(ua)
	}

	orders, total := s.engine.GetOrders(filter)
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = orderInfo(o)
	}
	respondJSON(w, http.StatusOK, OrdersResponse{Orders: out, Total: total})
}

func (s *Server) handleGetOrderBook(w http.ResponseWriter, r *http.Request) {
	pair := mux.Vars(r)["pair"]
	depth := intParam(r.URL.Query().Get("depth"), 20)

	snap, err := s.engine.Snapshot(pair, depth)
	if err != nil {
		s.respondError(w, err, "")
		return
	}
	respondJSON(w, http.StatusOK, bookSnapshot(snap))
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 50)
	trades := s.engine.GetTrades(q.Get("trading_pair"), limit)
	respondJSON(w, http.StatusOK, TradesResponse{
		Trades: fillInfos(trades),
		Total:  len(trades),
	})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(mux.Vars(r)["pair"])
	if err != nil {
		s.respondError(w, err, "")
		return
	}
	respondJSON(w, http.StatusOK, statsResponse(stats))
}

// ==============================
// Helpers
// ==============================

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, err error, orderID string) {
	code := core.CodeOf(err)
	status := httpStatus(code)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("code", string(code)), zap.Error(err))
	} else {
		s.log.Debug("request rejected", zap.String("code", string(code)), zap.Error(err))
	}
	respondJSON(w, status, ErrorResponse{
		Error:   string(code),
		Message: err.Error(),
		OrderID: orderID,
	})
}

// httpStatus maps error codes onto HTTP statuses.
func httpStatus(code core.Code) int {
	switch code {
	case core.CodeMalformedRequest, core.CodeInvalidParameter,
		core.CodeMalformedSignature, core.CodeExpired:
		return http.StatusBadRequest
	case core.CodeInvalidSignature, core.CodeUnauthorized:
		return http.StatusUnauthorized
	case core.CodeNotOrderOwner, core.CodeBlacklisted:
		return http.StatusForbidden
	case core.CodeOrderNotFound, core.CodeUnknownPair:
		return http.StatusNotFound
	case core.CodeDuplicateOrder, core.CodeNonceTooLow, core.CodeOrderNotCancellable:
		return http.StatusConflict
	case core.CodeOrderTooSmall, core.CodeOrderTooLarge,
		core.CodePriceDeviationTooLarge, core.CodeTooManyOpenOrders,
		core.CodeInsufficientBalance, core.CodeBookEmpty:
		return http.StatusUnprocessableEntity
	case core.CodeRateLimited:
		return http.StatusTooManyRequests
	case core.CodeStorageUnavailable, core.CodeSettlementRejected, core.CodeSettlementTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
