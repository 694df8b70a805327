package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tutu-network/adrewards/internal/app/account"
	"github.com/tutu-network/adrewards/internal/domain"
)

// ─── Rewards API ────────────────────────────────────────────────────────────
//
// GET  /api/status                  pool, queue and schedule snapshot
// GET  /api/statement               statement of accounts
// GET  /api/transactions?from&to    ledger entries, inclusive range
// GET  /api/wallet                  current wallet id
// PUT  /api/wallet                  install a wallet {id, seed}
// PUT  /api/enabled                 turn rewards on or off {enabled}
// POST /api/ads/deposit             credit an ad interaction
// PUT  /api/creatives/{id}          set a creative's value {value}
// POST /api/captcha/{id}/solved     lift the refill captcha halt

// RewardsAPI serves the account over HTTP.
type RewardsAPI struct {
	Account *account.Account
	Logger  *zap.Logger
}

// HandleStatus returns pool and queue sizes.
func (a *RewardsAPI) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.Account.GetStatus(r.Context())
	if err != nil {
		a.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleStatement returns the statement of accounts.
func (a *RewardsAPI) HandleStatement(w http.ResponseWriter, r *http.Request) {
	stmt, err := a.Account.GetStatement(r.Context())
	if err != nil {
		a.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stmt)
}

// HandleTransactions lists ledger entries created between from and to, both
// inclusive. Either bound may be RFC 3339 or a date; from defaults to the
// beginning of time and to to now.
func (a *RewardsAPI) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r.URL.Query().Get("from"), time.Time{}, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"), time.Now().UTC(), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}

	txs, err := a.Account.GetTransactions(r.Context(), from, to)
	if err != nil {
		a.internalError(w, err)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}

// HandleGetWallet returns the wallet id. The seed never leaves the daemon.
func (a *RewardsAPI) HandleGetWallet(w http.ResponseWriter, r *http.Request) {
	wallet := a.Account.Wallet()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":    wallet.ID,
		"valid": wallet.IsValid(),
	})
}

// HandleSetWallet installs a wallet.
func (a *RewardsAPI) HandleSetWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   string `json:"id"`
		Seed string `json:"seed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !a.Account.SetWallet(r.Context(), req.ID, req.Seed) {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidWallet.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": req.ID, "valid": true})
}

// HandleSetEnabled turns rewards on or off.
func (a *RewardsAPI) HandleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := a.Account.SetEnabled(r.Context(), *req.Enabled); err != nil {
		a.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

// DepositRequest is the body of POST /api/ads/deposit.
type DepositRequest struct {
	CreativeInstanceID string                  `json:"creative_instance_id"`
	AdType             domain.AdType           `json:"ad_type"`
	ConfirmationType   domain.ConfirmationType `json:"confirmation_type"`
}

// HandleDeposit credits an ad interaction. 201 carries the confirmed
// transaction; 202 means the interaction was not confirmed now and its
// outcome will arrive on the event feed.
func (a *RewardsAPI) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch {
	case req.CreativeInstanceID == "":
		writeError(w, http.StatusBadRequest, "creative_instance_id is required")
		return
	case !req.AdType.IsValid():
		writeError(w, http.StatusBadRequest, "unknown ad_type "+string(req.AdType))
		return
	case !req.ConfirmationType.IsValid():
		writeError(w, http.StatusBadRequest, "unknown confirmation_type "+string(req.ConfirmationType))
		return
	}

	txn, ok := a.Account.DepositFunds(r.Context(), req.CreativeInstanceID, req.AdType, req.ConfirmationType)
	if !ok {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"confirmed": false})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"confirmed":   true,
		"transaction": txn,
	})
}

// HandleSetCreative records a creative's value.
func (a *RewardsAPI) HandleSetCreative(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value *float64 `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil || *req.Value < 0 {
		writeError(w, http.StatusBadRequest, "a non-negative value is required")
		return
	}
	ad := domain.CreativeAd{CreativeInstanceID: chi.URLParam(r, "id"), Value: *req.Value}
	if err := a.Account.SetCreativeAd(r.Context(), ad); err != nil {
		a.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ad)
}

// HandleCaptchaSolved lifts the refill halt for a solved captcha.
func (a *RewardsAPI) HandleCaptchaSolved(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.Account.OnCaptchaSolved(r.Context(), id) {
		writeError(w, http.StatusNotFound, "no pending captcha "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "solved"})
}

func (a *RewardsAPI) internalError(w http.ResponseWriter, err error) {
	a.Logger.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

// parseTimeParam accepts RFC 3339 or YYYY-MM-DD. A bare date used as an
// upper bound covers the whole day.
func parseTimeParam(v string, fallback time.Time, endOfDay bool) (time.Time, error) {
	if v == "" {
		return fallback, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t, nil
}
