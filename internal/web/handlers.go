package web

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/payledger/internal/domain"
	"github.com/vadiminshakov/payledger/internal/services/reconciler"
	"github.com/vadiminshakov/payledger/internal/storage/ledger"
)

const maxRequestBody = 1 << 20

type createPaymentRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
	Wallet string          `json:"wallet,omitempty"`
}

type createPaymentResponse struct {
	PaymentID string          `json:"payment_id"`
	Address   string          `json:"address"`
	Amount    decimal.Decimal `json:"amount"`
	Memo      string          `json:"memo,omitempty"`
	Status    string          `json:"status"`
}

type checkPaymentRequest struct {
	PaymentID string `json:"payment_id"`
	TxID      string `json:"tx_id,omitempty"`
}

type checkPaymentResponse struct {
	PaymentID       string          `json:"payment_id"`
	Matched         bool            `json:"matched"`
	Credited        bool            `json:"credited"`
	AlreadyCredited bool            `json:"already_credited"`
	Status          string          `json:"status"`
	Balance         decimal.Decimal `json:"balance"`
	TxHash          string          `json:"tx_hash,omitempty"`
	Reason          string          `json:"reason,omitempty"`
}

type balanceResponse struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

type adjustBalanceRequest struct {
	UserID string          `json:"user_id"`
	Delta  decimal.Decimal `json:"delta"`
	Ref    string          `json:"ref,omitempty"`
	Reason string          `json:"reason"`
}

type adjustBalanceResponse struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
	Applied bool            `json:"applied"`
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")

	balance, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance.Amount})
}

func (s *Server) handleAdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req adjustBalanceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		respondError(w, http.StatusBadRequest, "reason is required")
		return
	}

	balance, applied, err := s.ledger.Adjust(r.Context(), req.UserID, req.Delta, req.Ref, req.Reason)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, adjustBalanceResponse{
		UserID:  req.UserID,
		Balance: balance.Amount,
		Applied: applied,
	})
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	intent, err := s.payments.CreateIntent(r.Context(), req.UserID, req.Amount, reconciler.CreateOptions{Wallet: req.Wallet})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, createPaymentResponse{
		PaymentID: intent.ID,
		Address:   intent.Address,
		Amount:    intent.Amount,
		Memo:      intent.Memo,
		Status:    string(intent.Status),
	})
}

func (s *Server) handleCheckPayment(w http.ResponseWriter, r *http.Request) {
	var req checkPaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PaymentID == "" {
		respondError(w, http.StatusBadRequest, "payment_id is required")
		return
	}

	res, err := s.payments.CheckPayment(r.Context(), req.PaymentID, req.TxID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, checkPaymentResponse{
		PaymentID:       req.PaymentID,
		Matched:         res.Matched,
		Credited:        res.Credited,
		AlreadyCredited: res.AlreadyCredited,
		Status:          string(res.Status),
		Balance:         res.Balance,
		TxHash:          res.TxHash,
		Reason:          res.Reason,
	})
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	intent, err := s.payments.GetIntent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, intent)
}

// respondServiceError maps domain errors onto HTTP statuses. Unexpected errors
// are logged and reported without details.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidUser),
		errors.Is(err, domain.ErrInvalidWallet):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, domain.ErrNotFound.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		respondError(w, http.StatusUnprocessableEntity, domain.ErrInsufficientFunds.Error())
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		respondError(w, http.StatusServiceUnavailable, domain.ErrUpstreamUnavailable.Error())
	case errors.Is(err, ledger.ErrContention):
		respondError(w, http.StatusConflict, "balance is busy, retry")
	default:
		s.logger.Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, map[string]string{"error": msg})
}
