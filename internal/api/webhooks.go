package api

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/jw6ventures/calsync/internal/http/errors"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/webhook"
)

// GoogleWebhook receives Calendar API push notifications. Everything is in
// the X-Goog-* headers; the body is empty.
func (h *Handler) GoogleWebhook(w http.ResponseWriter, r *http.Request) {
	n := webhook.Notification{
		Provider:       provider.Google,
		SubscriptionID: r.Header.Get("X-Goog-Channel-ID"),
		ResourceID:     r.Header.Get("X-Goog-Resource-ID"),
		ClientState:    r.Header.Get("X-Goog-Channel-Token"),
		ResourceState:  r.Header.Get("X-Goog-Resource-State"),
	}
	if n.SubscriptionID == "" {
		errors.BadRequestError(w, r, stderrors.New("missing X-Goog-Channel-ID"), "missing channel id")
		return
	}
	if _, err := h.webhooks.HandleNotification(r.Context(), n); err != nil {
		h.rejectNotification(w, r, n, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type graphNotifications struct {
	Value []graphNotification `json:"value"`
}

type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	LifecycleEvent string `json:"lifecycleEvent"`
	Resource       string `json:"resource"`
}

// MicrosoftWebhook receives Graph change notifications. Subscription creation
// checks the endpoint with a validationToken that must be echoed as plain
// text.
func (h *Handler) MicrosoftWebhook(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(token))
		return
	}

	var payload graphNotifications
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&payload); err != nil {
		errors.BadRequestError(w, r, err, "invalid notification payload")
		return
	}

	// One bad entry must not hide the others; only failures the provider
	// should retry turn into a 5xx.
	var failed error
	for _, item := range payload.Value {
		state := item.ChangeType
		if item.LifecycleEvent != "" {
			state = item.LifecycleEvent
		}
		n := webhook.Notification{
			Provider:       provider.Microsoft,
			SubscriptionID: item.SubscriptionID,
			ClientState:    item.ClientState,
			ResourceState:  state,
		}
		_, err := h.webhooks.HandleNotification(r.Context(), n)
		switch {
		case err == nil:
		case stderrors.Is(err, webhook.ErrUnknownChannel), stderrors.Is(err, webhook.ErrClientState):
			errors.LogInfo(r, fmt.Sprintf("dropped microsoft notification for %q: %v", item.SubscriptionID, err))
		default:
			failed = err
		}
	}
	if failed != nil {
		errors.InternalError(w, r, failed, "handle microsoft notification")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) rejectNotification(w http.ResponseWriter, r *http.Request, n webhook.Notification, err error) {
	switch {
	case stderrors.Is(err, webhook.ErrUnknownChannel):
		errors.LogInfo(r, fmt.Sprintf("%s notification for unknown channel %q", n.Provider, n.SubscriptionID))
		http.Error(w, "unknown channel", http.StatusNotFound)
	case stderrors.Is(err, webhook.ErrClientState):
		errors.LogError(r, fmt.Sprintf("%s notification for channel %q", n.Provider, n.SubscriptionID), err)
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		errors.InternalError(w, r, err, "handle notification")
	}
}
