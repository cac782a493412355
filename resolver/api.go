package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pocketpay/spendflow/resolver/models"
)

// API is the HTTP surface of the resolver: the authorization trigger plus the
// configuration-store endpoints used to provision cards and pockets.
type API struct {
	resolver *Service
	repo     *Repository
}

func NewAPI(resolver *Service, repo *Repository) *API {
	return &API{
		resolver: resolver,
		repo:     repo,
	}
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Post("/authorizations", a.authorize)
	r.Post("/refunds", a.refund)

	r.Route("/pockets", func(r chi.Router) {
		r.Post("/", a.createPocket)
		r.Route("/{pocketURN}", func(r chi.Router) {
			r.Get("/", a.getPocket)
			r.Post("/fund", a.fundPocket)
		})
	})
	r.Route("/cards", func(r chi.Router) {
		r.Post("/", a.createCard)
		r.Route("/{cardID}", func(r chi.Router) {
			r.Get("/", a.getCard)
			r.Get("/settlements", a.getSettlements)
		})
	})
	r.Put("/origins/{originID}/fees", a.setOriginFees)
}

func (a *API) authorize(w http.ResponseWriter, r *http.Request) {
	tx := models.Transaction{}
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := a.resolver.Authorize(r.Context(), tx)
	if err != nil {
		if errors.Is(err, models.ErrLockTimeout) {
			// Transient; the caller retries as a fresh attempt.
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusCreated
	if !res.Approved {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (a *API) refund(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefundID      string `json:"refund_id"`
		TransactionID string `json:"transaction_id"`
		Amount        int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.TransactionID == "" {
		http.Error(w, "transaction_id is required", http.StatusBadRequest)
		return
	}

	credits, err := a.resolver.Refund(r.Context(), body.RefundID, body.TransactionID, body.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credits": credits})
}

func (a *API) createPocket(w http.ResponseWriter, r *http.Request) {
	pocket := models.Pocket{}
	if err := json.NewDecoder(r.Body).Decode(&pocket); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if pocket.URN == "" {
		pocket.URN = "urn:pocket:" + uuid.New().String()
	}
	if pocket.LedgerID == "" {
		pocket.LedgerID = uuid.New().String()
	}
	if err := a.repo.CreatePocket(r.Context(), &pocket); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pocket)
}

func (a *API) getPocket(w http.ResponseWriter, r *http.Request) {
	urn := chi.URLParam(r, "pocketURN")
	pocket, err := a.repo.GetPocket(r.Context(), urn)
	if err != nil {
		writeError(w, err)
		return
	}
	balances, err := a.repo.GetBalances(r.Context(), pocket.LedgerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*models.Pocket
		Balances models.Balances `json:"balances"`
	}{pocket, balances})
}

func (a *API) fundPocket(w http.ResponseWriter, r *http.Request) {
	urn := chi.URLParam(r, "pocketURN")
	var body struct {
		Asset  models.Asset `json:"asset"`
		Amount int64        `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pocket, err := a.repo.GetPocket(r.Context(), urn)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.repo.Fund(r.Context(), pocket.LedgerID, body.Asset, body.Amount); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) createCard(w http.ResponseWriter, r *http.Request) {
	card := models.Card{}
	if err := json.NewDecoder(r.Body).Decode(&card); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if card.ID == "" {
		card.ID = uuid.New().String()
	}
	if card.Mode == "" {
		card.Mode = models.ModeDefault
	}
	if err := card.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err := a.repo.CreateCard(r.Context(), &card); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

func (a *API) getCard(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")
	card, err := a.repo.GetCard(r.Context(), cardID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (a *API) getSettlements(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")
	settlements, err := a.repo.ListSettlements(r.Context(), cardID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlements)
}

func (a *API) setOriginFees(w http.ResponseWriter, r *http.Request) {
	originID := chi.URLParam(r, "originID")
	fees := map[string]models.FeeDefinition{}
	if err := json.NewDecoder(r.Body).Decode(&fees); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for name, fee := range fees {
		if err := fee.Validate(); err != nil {
			http.Error(w, "fee "+name+": "+err.Error(), http.StatusUnprocessableEntity)
			return
		}
	}
	if err := a.repo.SetOriginFees(r.Context(), originID, fees); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrInvalidConfig):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, models.ErrLockTimeout):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled):
		http.Error(w, err.Error(), http.StatusRequestTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
