package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jw6ventures/calsync/internal/http/errors"
	"github.com/jw6ventures/calsync/internal/oauthflow"
	"github.com/jw6ventures/calsync/internal/provider"
)

// Connect redirects the caller to the provider's consent screen.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	name := provider.Name(chi.URLParam(r, "provider"))
	req, err := h.oauth.GenerateAuthorizationURL(r.Context(), userID(r), name)
	if err != nil {
		errors.Respond(w, r, err, "start oauth flow")
		return
	}
	http.Redirect(w, r, req.URL, http.StatusFound)
}

// Callback completes the flow and stores the connected account.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	name := provider.Name(chi.URLParam(r, "provider"))
	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		errors.BadRequestError(w, r, fmt.Errorf("%s consent denied: %s", name, denied), "authorization was not granted")
		return
	}

	res, err := h.oauth.ExchangeCode(r.Context(), name, q.Get("code"), q.Get("state"))
	if err != nil {
		errors.Respond(w, r, err, "oauth callback")
		return
	}
	// The state is bound to the user who started the flow; a different
	// session finishing it is a forged or leaked link.
	if res.UserID != userID(r) {
		errors.Respond(w, r, fmt.Errorf("state issued to another user: %w", oauthflow.ErrAuth), "oauth callback")
		return
	}

	account, err := h.accounts.Connect(r.Context(), res.UserID, name, res.Token)
	if err != nil {
		errors.Respond(w, r, err, "connect account")
		return
	}
	errors.WriteJSON(w, r, http.StatusOK, newAccountView(*account))
}
