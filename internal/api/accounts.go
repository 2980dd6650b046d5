package api

import (
	"context"
	"net/http"

	"github.com/jw6ventures/calsync/internal/http/errors"
)

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.List(r.Context(), userID(r))
	if err != nil {
		errors.Respond(w, r, err, "list accounts")
		return
	}
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, newAccountView(a))
	}
	errors.WriteJSON(w, r, http.StatusOK, views)
}

func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		errors.BadRequestError(w, r, err, "invalid account id")
		return
	}
	if err := h.accounts.Disconnect(r.Context(), userID(r), id); err != nil {
		errors.Respond(w, r, err, "disconnect account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListCalendars(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		errors.BadRequestError(w, r, err, "invalid account id")
		return
	}
	if _, err := h.accounts.Get(r.Context(), userID(r), id); err != nil {
		errors.Respond(w, r, err, "load account")
		return
	}
	cals, err := h.calendars.ListByAccount(r.Context(), id)
	if err != nil {
		errors.Respond(w, r, err, "list calendars")
		return
	}
	views := make([]calendarView, 0, len(cals))
	for _, c := range cals {
		views = append(views, newCalendarView(c))
	}
	errors.WriteJSON(w, r, http.StatusOK, views)
}

// SyncAccount runs a manual sync and reports the per-calendar outcome. A
// partially failed sync still answers 200 with success=false.
func (h *Handler) SyncAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		errors.BadRequestError(w, r, err, "invalid account id")
		return
	}
	if _, err := h.accounts.Get(r.Context(), userID(r), id); err != nil {
		errors.Respond(w, r, err, "load account")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.syncTimeout)
	defer cancel()
	res, err := h.syncer.SyncAccount(ctx, id)
	if err != nil {
		errors.Respond(w, r, err, "sync account")
		return
	}
	errors.WriteJSON(w, r, http.StatusOK, res)
}

func (h *Handler) WatchCalendar(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		errors.BadRequestError(w, r, err, "invalid calendar id")
		return
	}
	if _, err := h.ownedCalendar(r, id); err != nil {
		errors.Respond(w, r, err, "load calendar")
		return
	}
	sub, err := h.webhooks.Subscribe(r.Context(), id)
	if err != nil {
		errors.Respond(w, r, err, "subscribe calendar")
		return
	}
	errors.WriteJSON(w, r, http.StatusCreated, subscriptionView{
		ID:         sub.ID,
		CalendarID: sub.CalendarID,
		Provider:   sub.Provider,
		ExpiresAt:  sub.ExpiresAt,
	})
}

func (h *Handler) UnwatchCalendar(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		errors.BadRequestError(w, r, err, "invalid calendar id")
		return
	}
	if _, err := h.ownedCalendar(r, id); err != nil {
		errors.Respond(w, r, err, "load calendar")
		return
	}
	if err := h.webhooks.UnsubscribeCalendar(r.Context(), id); err != nil {
		errors.Respond(w, r, err, "unsubscribe calendar")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
