package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/exchange/pkg/app/core/engine"
	"github.com/uhyunpark/exchange/pkg/app/core/instrument"
	"github.com/uhyunpark/exchange/pkg/app/core/orderbook"
	"github.com/uhyunpark/exchange/pkg/auth"
	"github.com/uhyunpark/exchange/pkg/metrics"
	"github.com/uhyunpark/exchange/pkg/storage"
)

const (
	maxBodyBytes      = 1 << 16
	defaultTradeLimit = 50
	maxTradeLimit     = 1000
)

// Authenticator resolves API keys, issues keys to new traders and revokes
// them.
type Authenticator interface {
	Authenticate(apiKey string) (engine.Identity, error)
	Register(name string, admin bool) (engine.Identity, string, error)
	Trader(traderID string) (auth.Trader, bool)
	RevokeTrader(traderID string, requester engine.Identity) (auth.Trader, error)
}

// History answers queries the engine does not keep in memory.
type History interface {
	LoadExecutions(orderID string) ([]orderbook.Trade, error)
	ExecutionSummary(orderID string) (storage.ExecutionSummary, error)
	LoadRecentTrades(instrument string, limit int) ([]orderbook.Trade, error)
}

type Config struct {
	Engine   *engine.Engine
	Registry *instrument.Registry
	Auth     Authenticator
	Hub      *Hub

	// History and Metrics are optional.
	History History
	Metrics *metrics.Collector

	DefaultDepth   int
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine   *engine.Engine
	registry *instrument.Registry
	auth     Authenticator
	history  History
	metrics  *metrics.Collector
	hub      *Hub
	depth    int
	origins  []string
	log      *zap.SugaredLogger
	router   *mux.Router
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub(cfg.DefaultDepth, 0, logger)
	}
	s := &Server{
		engine:   cfg.Engine,
		registry: cfg.Registry,
		auth:     cfg.Auth,
		history:  cfg.History,
		metrics:  cfg.Metrics,
		hub:      hub,
		depth:    cfg.DefaultDepth,
		origins:  cfg.AllowedOrigins,
		log:      logger.Sugar().Named("api"),
		router:   mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Public endpoints
	api.HandleFunc("/register", s.handleRegister).Methods("POST")
	api.HandleFunc("/instruments", s.handleListInstruments).Methods("GET")
	api.HandleFunc("/instruments/{symbol}/book", s.handleGetBook).Methods("GET")
	api.HandleFunc("/instruments/{symbol}/trades", s.handleGetTrades).Methods("GET")

	// Trader endpoints
	trader := api.NewRoute().Subrouter()
	trader.Use(s.authenticate)
	trader.HandleFunc("/me", s.handleMe).Methods("GET")
	trader.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	trader.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	trader.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	trader.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods("DELETE")
	trader.HandleFunc("/orders/{id}/executions", s.handleGetExecutions).Methods("GET")
	trader.HandleFunc("/orders/{id}/summary", s.handleGetSummary).Methods("GET")

	// Admin endpoints
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(s.authenticate, requireAdmin)
	admin.HandleFunc("/instruments", s.handleAddInstrument).Methods("POST")
	admin.HandleFunc("/instruments/{symbol}", s.handleSetTradable).Methods("PATCH")
	admin.HandleFunc("/instruments/{symbol}", s.handleRemoveInstrument).Methods("DELETE")
	admin.HandleFunc("/traders/{id}", s.handleRevokeTrader).Methods("DELETE")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx, s.engine)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("server_starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ==============================
// Authentication
// ==============================

type identityKey struct{}

func identityFrom(ctx context.Context) engine.Identity {
	id, _ := ctx.Value(identityKey{}).(engine.Identity)
	return id
}

// authenticate expects "Authorization: TOKEN <api-key>".
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, key, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "TOKEN") {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing TOKEN authorization")
			return
		}
		id, err := s.auth.Authenticate(strings.TrimSpace(key))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !identityFrom(r.Context()).Admin {
			respondError(w, http.StatusForbidden, "forbidden", "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, key, err := s.auth.Register(req.Name, false)
	if err != nil {
		s.respondErr(w, err, "")
		return
	}
	s.log.Infow("trader_registered", "trader", id.TraderID)
	respondStatus(w, http.StatusCreated, RegisterResponse{TraderID: id.TraderID, APIKey: key})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	t, ok := s.auth.Trader(id.TraderID)
	if !ok {
		t = auth.Trader{TraderID: id.TraderID, Admin: id.Admin}
	}
	respondJSON(w, TraderResponse{TraderID: t.TraderID, Name: t.Name, Admin: t.Admin})
}

func (s *Server) handleRevokeTrader(w http.ResponseWriter, r *http.Request) {
	admin := identityFrom(r.Context())
	t, err := s.auth.RevokeTrader(mux.Vars(r)["id"], admin)
	if err != nil {
		s.respondErr(w, err, "")
		return
	}
	s.log.Infow("trader_revoked", "trader", t.TraderID, "keys", len(t.KeyIDs), "admin", admin.TraderID)
	respondJSON(w, TraderResponse{TraderID: t.TraderID, Name: t.Name, Admin: t.Admin})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start := time.Now()
	res, err := s.engine.Submit(r.Context(), engine.NewOrderRequest{
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		Quantity:   req.Quantity,
		Owner:      identityFrom(r.Context()),
	})
	if s.metrics != nil {
		s.metrics.ObserveLatency("submit", start, err)
	}
	if err != nil {
		s.respondErr(w, err, res.OrderID)
		return
	}

	trades := res.Trades
	if trades == nil {
		trades = []orderbook.Trade{}
	}
	respondStatus(w, http.StatusCreated, SubmitOrderResponse{
		OrderID:            res.OrderID,
		Sequence:           res.Sequence,
		Status:             res.Status,
		Remaining:          res.Remaining,
		Filled:             res.Filled,
		LiquidityExhausted: res.LiquidityExhausted,
		Trades:             trades,
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	start := time.Now()
	res, err := s.engine.Cancel(r.Context(), id, identityFrom(r.Context()))
	if s.metrics != nil {
		s.metrics.ObserveLatency("cancel", start, err)
	}
	if err != nil {
		s.respondErr(w, err, id)
		return
	}
	respondJSON(w, CancelOrderResponse{OrderID: res.OrderID, Status: res.Status, Remaining: res.Remaining})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, err := s.engine.Order(id, identityFrom(r.Context()))
	if err != nil {
		s.respondErr(w, err, id)
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := engine.OrderFilter{Instrument: q.Get("instrument")}
	if v := q.Get("status"); v != "" {
		var st orderbook.Status
		if err := st.UnmarshalText([]byte(v)); err != nil {
			respondError(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
		f.Status = &st
	}
	limit, ok := intParam(w, r, "limit", engine.DefaultOrdersLimit, engine.MaxOrdersLimit)
	if !ok {
		return
	}
	f.Limit = limit

	orders := s.engine.Orders(identityFrom(r.Context()), f)
	if orders == nil {
		orders = []orderbook.Order{}
	}
	respondJSON(w, orders)
}

func (s *Server) handleGetExecutions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.requireHistory(w) {
		return
	}
	if _, err := s.engine.Order(id, identityFrom(r.Context())); err != nil {
		s.respondErr(w, err, id)
		return
	}
	trades, err := s.history.LoadExecutions(id)
	if err != nil {
		s.respondErr(w, err, id)
		return
	}
	if trades == nil {
		trades = []orderbook.Trade{}
	}
	respondJSON(w, trades)
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.requireHistory(w) {
		return
	}
	if _, err := s.engine.Order(id, identityFrom(r.Context())); err != nil {
		s.respondErr(w, err, id)
		return
	}
	sum, err := s.history.ExecutionSummary(id)
	if err != nil {
		s.respondErr(w, err, id)
		return
	}
	respondJSON(w, sum)
}

func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.registry.List())
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	depth, ok := intParam(w, r, "depth", s.depth, 0)
	if !ok {
		return
	}
	snap, err := s.engine.Depth(mux.Vars(r)["symbol"], depth)
	if err != nil {
		s.respondErr(w, err, "")
		return
	}
	respondJSON(w, snap)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	symbol := instrument.NormalizeSymbol(mux.Vars(r)["symbol"])
	if _, ok := s.registry.Instrument(symbol); !ok {
		respondError(w, http.StatusNotFound, "not_found", "unknown instrument "+symbol)
		return
	}
	if !s.requireHistory(w) {
		return
	}
	limit, ok := intParam(w, r, "limit", defaultTradeLimit, maxTradeLimit)
	if !ok {
		return
	}
	trades, err := s.history.LoadRecentTrades(symbol, limit)
	if err != nil {
		s.respondErr(w, err, "")
		return
	}
	if trades == nil {
		trades = []orderbook.Trade{}
	}
	respondJSON(w, trades)
}

func (s *Server) handleAddInstrument(w http.ResponseWriter, r *http.Request) {
	var req InstrumentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	in, err := instrument.New(req.Symbol, req.Name, req.TickSize, req.LotSize)
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if req.Tradable != nil {
		in.Tradable = *req.Tradable
	}
	if err := s.registry.Register(in); err != nil {
		s.respondErr(w, err, "")
		return
	}
	s.log.Infow("instrument_added", "instrument", in.Symbol, "admin", identityFrom(r.Context()).TraderID)
	respondStatus(w, http.StatusCreated, in)
}

func (s *Server) handleSetTradable(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	var req TradableRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.registry.SetTradable(symbol, req.Tradable); err != nil {
		s.respondErr(w, err, "")
		return
	}
	in, _ := s.registry.Instrument(symbol)
	s.log.Infow("instrument_updated", "instrument", in.Symbol, "tradable", in.Tradable)
	respondJSON(w, in)
}

func (s *Server) handleRemoveInstrument(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if err := s.registry.Remove(symbol, s.engine.HasActiveOrders); err != nil {
		s.respondErr(w, err, "")
		return
	}
	s.log.Infow("instrument_removed", "instrument", instrument.NormalizeSymbol(symbol))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) requireHistory(w http.ResponseWriter) bool {
	if s.history == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "history is not configured")
		return false
	}
	return true
}

// statusFor maps an error kind to an HTTP status and a short error code.
func statusFor(err error) (int, string) {
	switch {
	case engine.IsValidation(err),
		errors.Is(err, auth.ErrInvalidName),
		errors.Is(err, auth.ErrSelfRevoke):
		return http.StatusBadRequest, "validation"
	case engine.IsNotFound(err),
		errors.Is(err, instrument.ErrNotFound),
		errors.Is(err, engine.ErrUnknownInstrument),
		errors.Is(err, auth.ErrUnknownTrader):
		return http.StatusNotFound, "not_found"
	case engine.IsPermission(err):
		return http.StatusForbidden, "forbidden"
	case engine.IsInvalidState(err),
		errors.Is(err, instrument.ErrExists),
		errors.Is(err, instrument.ErrInUse),
		errors.Is(err, auth.ErrDuplicate):
		return http.StatusConflict, "conflict"
	case errors.Is(err, engine.ErrMarketHalted), errors.Is(err, engine.ErrEngineClosed):
		return http.StatusServiceUnavailable, "unavailable"
	case engine.IsInvariant(err):
		return http.StatusInternalServerError, "invariant_violation"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) respondErr(w http.ResponseWriter, err error, orderID string) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Errorw("request_failed", "status", status, "order_id", orderID, "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: code, Message: err.Error(), OrderID: orderID})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return false
	}
	return true
}

// intParam reads a non-negative integer query parameter, capped at ceiling
// when ceiling > 0.
func intParam(w http.ResponseWriter, r *http.Request, name string, def, ceiling int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		respondError(w, http.StatusBadRequest, "validation", name+" must be a non-negative integer")
		return 0, false
	}
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	return n, true
}

func respondJSON(w http.ResponseWriter, data any) {
	respondStatus(w, http.StatusOK, data)
}

func respondStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondStatus(w, status, ErrorResponse{Error: code, Message: message})
}
