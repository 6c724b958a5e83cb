package gatedchat

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/klipach/gatedchat/apperr"
	"github.com/klipach/gatedchat/auth"
	"github.com/klipach/gatedchat/chat"
	"github.com/klipach/gatedchat/contract"
	"github.com/klipach/gatedchat/filter"
	"github.com/klipach/gatedchat/log"
)

const (
	traceHeader    = "X-Cloud-Trace-Context"
	maxImageBytes  = 10 << 20
	maxBodyBytes   = 64 << 10
	methodLogField = "method"
	pathLogField   = "path"
)

type Handler struct {
	core      *chat.Core
	verifier  auth.Verifier
	text      *filter.Text
	router    *mux.Router
	projectID string
}

type HandlerOption func(*Handler)

// WithProjectID lets log entries link to Cloud Trace.
func WithProjectID(projectID string) HandlerOption {
	return func(h *Handler) { h.projectID = projectID }
}

func NewHandler(core *chat.Core, verifier auth.Verifier, opts ...HandlerOption) *Handler {
	h := &Handler{
		core:     core,
		verifier: verifier,
		text:     filter.NewText(),
		router:   mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(h)
	}

	r := h.router
	r.HandleFunc("/session", h.authenticated(h.signIn)).Methods(http.MethodPost)
	r.HandleFunc("/session", h.authenticated(h.signOut)).Methods(http.MethodDelete)
	r.HandleFunc("/profile", h.authenticated(h.rename)).Methods(http.MethodPatch)
	r.HandleFunc("/contacts", h.authenticated(h.addContact)).Methods(http.MethodPost)
	r.HandleFunc("/contacts", h.authenticated(h.listContacts)).Methods(http.MethodGet)
	r.HandleFunc("/requests", h.authenticated(h.listRequests)).Methods(http.MethodGet)
	r.HandleFunc("/requests/{sender}/accept", h.authenticated(h.acceptRequest)).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{peer}/messages", h.authenticated(h.sendPrivate)).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{peer}/messages", h.authenticated(h.conversation)).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{peer}/history", h.authenticated(h.history)).Methods(http.MethodGet)
	r.HandleFunc("/users/{uid}/last-seen", h.authenticated(h.lastSeen)).Methods(http.MethodGet)
	r.HandleFunc("/groups", h.authenticated(h.createGroup)).Methods(http.MethodPost)
	r.HandleFunc("/groups", h.authenticated(h.listGroups)).Methods(http.MethodGet)
	r.HandleFunc("/groups/{id}/members", h.authenticated(h.joinGroup)).Methods(http.MethodPost)
	r.HandleFunc("/groups/{id}/messages", h.authenticated(h.sendGroupMessage)).Methods(http.MethodPost)
	r.HandleFunc("/groups/{id}/messages", h.authenticated(h.groupMessages)).Methods(http.MethodGet)
	r.HandleFunc("/groups/{id}/images", h.authenticated(h.sendGroupImage)).Methods(http.MethodPost)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

type authedHandlerFunc func(w http.ResponseWriter, r *http.Request, user contract.User)

// authenticated resolves the caller and puts a request-scoped logger in the context.
func (h *Handler) authenticated(next authedHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if trace := h.traceID(r); trace != "" {
			ctx = log.WithTrace(ctx, trace)
		}
		logger := log.LoggerFromContext(ctx).With(
			slog.String(methodLogField, r.Method),
			slog.String(pathLogField, r.URL.Path),
		)

		user, err := h.verifier.Verify(r.WithContext(ctx))
		if err != nil {
			logger.Error("error while authenticating", slog.String(log.ErrorMsgLogField, err.Error()))
			writeJSON(w, http.StatusUnauthorized, contract.ErrorResponse{Error: "unauthorized"})
			return
		}
		logger = logger.With(slog.String(log.UserIDLogField, user.UID))
		ctx = log.WithLogger(ctx, logger)
		next(w, r.WithContext(ctx), user)
	}
}

// traceID converts "TRACE_ID/SPAN_ID;o=1" into a Cloud Logging trace name.
func (h *Handler) traceID(r *http.Request) string {
	header := r.Header.Get(traceHeader)
	if header == "" || h.projectID == "" {
		return ""
	}
	trace, _, _ := strings.Cut(header, "/")
	return "projects/" + h.projectID + "/traces/" + trace
}

func (h *Handler) signIn(w http.ResponseWriter, r *http.Request, user contract.User) {
	u, err := h.core.SignIn(r.Context(), user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) signOut(w http.ResponseWriter, r *http.Request, user contract.User) {
	if err := h.core.SignOut(r.Context(), user.UID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rename(w http.ResponseWriter, r *http.Request, user contract.User) {
	var req contract.RenameRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := h.core.Users.Rename(r.Context(), user.UID, h.text.Sanitize(req.DisplayName))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) addContact(w http.ResponseWriter, r *http.Request, user contract.User) {
	var req contract.AddContactRequest
	if !decode(w, r, &req) {
		return
	}
	var (
		c   contract.Contact
		err error
	)
	if req.UID != "" {
		c, err = h.core.Contacts.AddContact(r.Context(), user.UID, req.UID)
	} else {
		c, err = h.core.Contacts.AddContactByEmail(r.Context(), user.UID, req.Email)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) listContacts(w http.ResponseWriter, r *http.Request, user contract.User) {
	sub, err := h.core.Contacts.ListContacts(r.Context(), user.UID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stream(w, r, sub)
}

func (h *Handler) listRequests(w http.ResponseWriter, r *http.Request, user contract.User) {
	sub, err := h.core.Contacts.ListRequests(r.Context(), user.UID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stream(w, r, sub)
}

func (h *Handler) acceptRequest(w http.ResponseWriter, r *http.Request, user contract.User) {
	accepted, err := h.core.Contacts.AcceptRequest(r.Context(), user.UID, mux.Vars(r)["sender"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contract.AcceptRequestResponse{Accepted: accepted})
}

func (h *Handler) sendPrivate(w http.ResponseWriter, r *http.Request, user contract.User) {
	var req contract.SendMessageRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.core.SendPrivate(r.Context(), user, mux.Vars(r)["peer"], req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := contract.SendMessageResponse{Outcome: res.Outcome.String()}
	status := http.StatusAccepted
	if res.Outcome == chat.OutcomeDelivered {
		resp.Message = &res.Message
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (h *Handler) conversation(w http.ResponseWriter, r *http.Request, user contract.User) {
	sub, err := h.core.Conversation(r.Context(), user.UID, mux.Vars(r)["peer"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	stream(w, r, sub)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request, user contract.User) {
	msgs, err := h.core.History(r.Context(), user.UID, mux.Vars(r)["peer"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []contract.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) lastSeen(w http.ResponseWriter, r *http.Request, _ contract.User) {
	uid := mux.Vars(r)["uid"]
	ts, ok, err := h.core.Presence.LastSeen(r.Context(), uid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := contract.LastSeenResponse{UID: uid}
	if ok {
		resp.LastSeen = ts.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request, user contract.User) {
	var req contract.CreateGroupRequest
	if !decode(w, r, &req) {
		return
	}
	g, err := h.core.Groups.Create(r.Context(), user.UID, h.text.Sanitize(req.Name))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request, user contract.User) {
	sub, err := h.core.Groups.ListFor(r.Context(), user.UID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stream(w, r, sub)
}

func (h *Handler) joinGroup(w http.ResponseWriter, r *http.Request, user contract.User) {
	g, err := h.core.Groups.Join(r.Context(), mux.Vars(r)["id"], user.UID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) sendGroupMessage(w http.ResponseWriter, r *http.Request, user contract.User) {
	var req contract.SendMessageRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.core.Groups.SendMessage(r.Context(), mux.Vars(r)["id"], user, req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) sendGroupImage(w http.ResponseWriter, r *http.Request, user contract.User) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImageBytes))
	if err != nil {
		log.LoggerFromContext(r.Context()).Error("error while reading image", slog.String(log.ErrorMsgLogField, err.Error()))
		writeJSON(w, http.StatusRequestEntityTooLarge, contract.ErrorResponse{Error: "image too large"})
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	m, err := h.core.Groups.SendImage(r.Context(), mux.Vars(r)["id"], user, contentType, data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) groupMessages(w http.ResponseWriter, r *http.Request, user contract.User) {
	sub, err := h.core.Groups.SubscribeMessages(r.Context(), mux.Vars(r)["id"], user.UID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stream(w, r, sub)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err == nil {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		log.LoggerFromContext(r.Context()).Error("error while decoding request", slog.String(log.ErrorMsgLogField, err.Error()))
		writeJSON(w, http.StatusBadRequest, contract.ErrorResponse{Error: "bad request"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusOf(err error) int {
	kind, ok := apperr.KindOf(err)
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case !ok:
		return http.StatusInternalServerError
	case kind == apperr.KindValidation:
		return http.StatusBadRequest
	case kind == apperr.KindNotFound:
		return http.StatusNotFound
	case kind == apperr.KindPermission:
		return http.StatusForbidden
	case kind == apperr.KindConsistency:
		return http.StatusConflict
	case kind == apperr.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	logger := log.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.String(log.ErrorMsgLogField, err.Error()))
		writeJSON(w, status, contract.ErrorResponse{Error: http.StatusText(status)})
		return
	}
	logger.Info("request rejected", slog.String(log.ErrorMsgLogField, err.Error()))
	writeJSON(w, status, contract.ErrorResponse{Error: err.Error()})
}
