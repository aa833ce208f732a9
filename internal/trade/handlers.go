package trade

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fanshare/dpc-exchange/internal/model"
)

// RegisterRoutes mounts the exchange endpoints on r.
func (s *Service) RegisterRoutes(r chi.Router) {
	// Players and primary offerings.
	r.Post("/players", s.handleCreatePlayer)
	r.Get("/players/{playerID}", s.handleGetPlayer)
	r.Post("/players/{playerID}/liquidate", s.handleLiquidatePlayer)
	r.Post("/ipos", s.handleCreateIPO)
	r.Get("/ipos/{ipoID}", s.handleGetIPO)
	r.Put("/ipos/{ipoID}/status", s.handleUpdateIPOStatus)
	r.Post("/ipos/{ipoID}/buy", s.handleBuyFromIPO)

	// Secondary market.
	r.Post("/players/{playerID}/buy", s.handleBuyFromMarket)
	r.Get("/players/{playerID}/quote", s.handleQuote)
	r.Post("/players/{playerID}/orders", s.handlePlaceSellOrder)
	r.Get("/players/{playerID}/orders", s.handleGetOpenOrders)
	r.Get("/orders/{orderID}", s.handleGetOrder)
	r.Delete("/orders/{orderID}", s.handleCancelOrder)
	r.Post("/orders/{orderID}/buy", s.handleBuyFromOrder)

	// Ledger reads and deposits.
	r.Get("/users/{userID}/holdings", s.handleListHoldings)
	r.Get("/users/{userID}/holdings/{playerID}", s.handleGetHolding)
	r.Get("/users/{userID}/wallet", s.handleGetWallet)
	r.Post("/users/{userID}/wallet", s.handleFundWallet)
	r.Get("/users/{userID}/wallet/transactions", s.handleListWalletTransactions)
	r.Get("/players/{playerID}/trades", s.handleListTradesByPlayer)
	r.Get("/users/{userID}/trades", s.handleListTradesByUser)

	// Fees.
	r.Get("/fee-config/{clubID}", s.handleGetFeeConfig)
	r.Put("/fee-config/{clubID}", s.handleSetFeeConfig)
	r.Get("/fee-accounts/{kind}", s.handleGetFeeAccount)
}

// --- HTTP Handlers ---

// handleCreatePlayer handles POST /api/v1/players
func (s *Service) handleCreatePlayer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string `json:"id"`
		ClubID string `json:"club_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := s.CreatePlayer(r.Context(), req.ID, req.ClubID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// handleGetPlayer handles GET /api/v1/players/{playerID}
func (s *Service) handleGetPlayer(w http.ResponseWriter, r *http.Request) {
	p, err := s.GetPlayer(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleLiquidatePlayer handles POST /api/v1/players/{playerID}/liquidate
func (s *Service) handleLiquidatePlayer(w http.ResponseWriter, r *http.Request) {
	res, err := s.LiquidatePlayer(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleCreateIPO handles POST /api/v1/ipos
func (s *Service) handleCreateIPO(w http.ResponseWriter, r *http.Request) {
	var req CreateIPORequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PlayerID == "" {
		writeError(w, "player_id is required", http.StatusBadRequest)
		return
	}
	ipo, err := s.CreateIPO(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ipo)
}

// handleGetIPO handles GET /api/v1/ipos/{ipoID}
func (s *Service) handleGetIPO(w http.ResponseWriter, r *http.Request) {
	ipo, err := s.GetIPO(r.Context(), chi.URLParam(r, "ipoID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ipo)
}

// handleUpdateIPOStatus handles PUT /api/v1/ipos/{ipoID}/status
func (s *Service) handleUpdateIPOStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status model.IPOStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ipo, err := s.UpdateIPOStatus(r.Context(), chi.URLParam(r, "ipoID"), req.Status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ipo)
}

// handleBuyFromIPO handles POST /api/v1/ipos/{ipoID}/buy
func (s *Service) handleBuyFromIPO(w http.ResponseWriter, r *http.Request) {
	var req IPOBuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	req.IPOID = chi.URLParam(r, "ipoID")
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

	res, err := s.BuyFromIPO(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleBuyFromMarket handles POST /api/v1/players/{playerID}/buy
func (s *Service) handleBuyFromMarket(w http.ResponseWriter, r *http.Request) {
	var req MarketBuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	req.PlayerID = chi.URLParam(r, "playerID")
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

	res, err := s.BuyFromMarket(r.Context(), req)
	if err != nil {
		if res != nil {
			// Some fills committed before the failure; report them.
			writeJSON(w, httpStatus(err), struct {
				Error  string `json:"error"`
				Reason string `json:"reason"`
				*MarketBuyResult
			}{err.Error(), Reason(err), res})
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleBuyFromOrder handles POST /api/v1/orders/{orderID}/buy
func (s *Service) handleBuyFromOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderBuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	req.OrderID = chi.URLParam(r, "orderID")
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

	res, err := s.BuyFromOrder(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleQuote handles GET /api/v1/players/{playerID}/quote?user_id=&quantity=
func (s *Service) handleQuote(w http.ResponseWriter, r *http.Request) {
	qty, err := strconv.ParseInt(r.URL.Query().Get("quantity"), 10, 64)
	if err != nil {
		writeServiceError(w, ErrInvalidQuantity)
		return
	}
	q, err := s.Quote(r.Context(), r.URL.Query().Get("user_id"), chi.URLParam(r, "playerID"), qty)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// handlePlaceSellOrder handles POST /api/v1/players/{playerID}/orders
func (s *Service) handlePlaceSellOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	req.PlayerID = chi.URLParam(r, "playerID")
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

	order, err := s.PlaceSellOrder(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// handleGetOpenOrders handles GET /api/v1/players/{playerID}/orders
func (s *Service) handleGetOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.GetOpenOrders(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// handleGetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// handleCancelOrder handles DELETE /api/v1/orders/{orderID}?user_id=
func (s *Service) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	order, err := s.CancelOrder(r.Context(), userID, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// handleListHoldings handles GET /api/v1/users/{userID}/holdings
func (s *Service) handleListHoldings(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.ListHoldings(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holdings)
}

// handleGetHolding handles GET /api/v1/users/{userID}/holdings/{playerID}
func (s *Service) handleGetHolding(w http.ResponseWriter, r *http.Request) {
	h, err := s.GetHolding(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "playerID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// handleGetWallet handles GET /api/v1/users/{userID}/wallet
func (s *Service) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	balance, err := s.GetWalletBalance(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
}

// handleFundWallet handles POST /api/v1/users/{userID}/wallet
func (s *Service) handleFundWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount    int64  `json:"amount"`
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	wallet, err := s.FundWallet(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Reference)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// handleListWalletTransactions handles GET /api/v1/users/{userID}/wallet/transactions
func (s *Service) handleListWalletTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.ListWalletTransactions(r.Context(), chi.URLParam(r, "userID"), queryLimit(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// handleListTradesByPlayer handles GET /api/v1/players/{playerID}/trades
func (s *Service) handleListTradesByPlayer(w http.ResponseWriter, r *http.Request) {
	trades, err := s.ListTradesByPlayer(r.Context(), chi.URLParam(r, "playerID"), queryLimit(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// handleListTradesByUser handles GET /api/v1/users/{userID}/trades
func (s *Service) handleListTradesByUser(w http.ResponseWriter, r *http.Request) {
	trades, err := s.ListTradesByUser(r.Context(), chi.URLParam(r, "userID"), queryLimit(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// handleGetFeeConfig handles GET /api/v1/fee-config/{clubID}
func (s *Service) handleGetFeeConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.GetFeeConfig(r.Context(), feeClub(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleSetFeeConfig handles PUT /api/v1/fee-config/{clubID}
func (s *Service) handleSetFeeConfig(w http.ResponseWriter, r *http.Request) {
	var cfg model.FeeConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cfg.ClubID = feeClub(r)
	out, err := s.SetFeeConfig(r.Context(), cfg)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetFeeAccount handles GET /api/v1/fee-accounts/{kind}?owner_id=
func (s *Service) handleGetFeeAccount(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	switch kind {
	case model.AccountPlatform, model.AccountClub, model.AccountPool:
	default:
		writeError(w, "kind must be platform, club or pool", http.StatusBadRequest)
		return
	}
	acct, err := s.GetFeeAccount(r.Context(), kind, r.URL.Query().Get("owner_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// feeClub maps the "default" path segment to the default fee row.
func feeClub(r *http.Request) string {
	if id := chi.URLParam(r, "clubID"); id != "default" {
		return id
	}
	return model.DefaultFeeClub
}

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(r *http.Request, body string) string {
	if k := r.Header.Get("Idempotency-Key"); k != "" {
		return k
	}
	return body
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeServiceError writes err with its status and stable reason code.
// Internal failures hide their detail.
func writeServiceError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg, "reason": Reason(err)})
}
