// Package notifyapi exposes the notification store over REST for server-side
// producers and for clients polling when push did not reach them.
package notifyapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/sessionly/sessionly-go/notificationdao"
	"github.com/sessionly/sessionly-go/notifier"
	sessionlyrest "github.com/sessionly/sessionly-go/sessionly-rest"
)

const (
	defaultLimit = 50
	maxLimit     = 100
)

type Notifier interface {
	Notify(ctx context.Context, in notifier.Input) (notificationdao.Notification, error)
}

type API struct {
	Store    notificationdao.Store
	Notifier Notifier
}

// CreateRequest is the body of POST /notifications.
type CreateRequest struct {
	RecipientUserID string               `json:"recipientUserId"`
	SenderID        string               `json:"senderId,omitempty"`
	Type            notificationdao.Type `json:"type"`
	Content         string               `json:"content"`
	RelatedID       string               `json:"relatedId,omitempty"`
}

type ListResponse struct {
	Notifications []notificationdao.Notification `json:"notifications"`
}

// Routes mounts the API on r.
func (a *API) Routes(r chi.Router) {
	r.Post("/notifications", a.create)
	r.Get("/users/{userId}/notifications", a.list)
	r.Post("/notifications/{id}/read", a.setRead(true))
	r.Post("/notifications/{id}/unread", a.setRead(false))
}

func (a *API) create(w http.ResponseWriter, req *http.Request) {
	var body CreateRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		sessionlyrest.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	n, err := a.Notifier.Notify(req.Context(), notifier.Input{
		RecipientUserID: body.RecipientUserID,
		SenderID:        body.SenderID,
		Type:            body.Type,
		Content:         body.Content,
		RelatedID:       body.RelatedID,
	})
	if err != nil {
		a.fail(w, req, err)
		return
	}
	sessionlyrest.WriteJSON(w, http.StatusCreated, n)
}

func (a *API) list(w http.ResponseWriter, req *http.Request) {
	filter, err := parseFilter(req)
	if err != nil {
		sessionlyrest.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := a.Store.ListByUser(req.Context(), chi.URLParam(req, "userId"), filter)
	if err != nil {
		a.fail(w, req, err)
		return
	}
	if items == nil {
		items = []notificationdao.Notification{}
	}
	sessionlyrest.WriteJSON(w, http.StatusOK, ListResponse{Notifications: items})
}

func (a *API) setRead(read bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		n, err := a.Store.SetReadState(req.Context(), chi.URLParam(req, "id"), read)
		if err != nil {
			a.fail(w, req, err)
			return
		}
		sessionlyrest.WriteJSON(w, http.StatusOK, n)
	}
}

func (a *API) fail(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, notificationdao.ErrInvalid):
		sessionlyrest.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, notificationdao.ErrNotFound):
		sessionlyrest.WriteError(w, http.StatusNotFound, "notification not found")
	default:
		zerolog.Ctx(req.Context()).Error().Err(err).Msg("notification request failed")
		sessionlyrest.WriteError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func parseFilter(req *http.Request) (notificationdao.ListFilter, error) {
	q := req.URL.Query()
	filter := notificationdao.ListFilter{
		Type:  notificationdao.Type(q.Get("type")),
		Limit: defaultLimit,
	}

	if v := q.Get("unread"); v != "" {
		unread, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("unread must be true or false")
		}
		filter.UnreadOnly = unread
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return filter, errors.New("unknown notification type")
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("since must be an RFC3339 timestamp")
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return filter, errors.New("limit must be a positive integer")
		}
		if limit > maxLimit {
			limit = maxLimit
		}
		filter.Limit = limit
	}
	return filter, nil
}
