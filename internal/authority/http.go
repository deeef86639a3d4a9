package authority

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/BrandonDHaskell/Portunus/node/internal/auth"
	"github.com/BrandonDHaskell/Portunus/node/internal/clock"
	"github.com/BrandonDHaskell/Portunus/node/internal/httpapi"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/remote"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

var errForbiddenDevice = errors.New("token was issued to a different device")

const pathStats = "/v1/stats"

// Options shared by the HTTP and gRPC front ends.
type ServerOptions struct {
	// Secret verifies device tokens. Empty disables authentication (dev).
	Secret string
	Clock  clock.Clock
	Logger *slog.Logger
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// authenticate resolves the calling device from a bearer token. claimed is
// the device id the request names; when auth is on it must match the
// token's subject (or be empty, in which case the subject is used).
func (o ServerOptions) authenticate(authorization, claimed string) (string, error) {
	if o.Secret == "" {
		return claimed, nil
	}
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok {
		return "", auth.ErrTokenInvalid
	}
	subject, err := auth.Verify(strings.TrimSpace(token), o.Secret, o.Clock.Now())
	if err != nil {
		return "", err
	}
	if claimed != "" && claimed != subject {
		return "", errForbiddenDevice
	}
	return subject, nil
}

type httpHandler struct {
	svc  *Service
	opts ServerOptions
}

type decisionRequest struct {
	Decision string `json:"decision"`
}

// NewHTTPHandler serves the sync contract over JSON, plus admin routes for
// setting decisions, listing received events and entry stats.
func NewHTTPHandler(svc *Service, opts ServerOptions) http.Handler {
	h := &httpHandler{svc: svc, opts: opts.withDefaults()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+remote.PathHealth, h.handleHealth)
	mux.HandleFunc("POST "+remote.PathEvents, h.handlePush)
	mux.HandleFunc("GET "+remote.PathCredentials, h.handlePull)
	mux.HandleFunc("PUT "+remote.PathCredentials+"/{id}", h.handleSetDecision)
	mux.HandleFunc("GET "+remote.PathEvents, h.handleListEvents)
	mux.HandleFunc("GET "+pathStats, h.handleStats)

	return httpapi.LoggingMiddleware(h.opts.Logger, mux)
}

func (h *httpHandler) device(w http.ResponseWriter, r *http.Request, claimed string) (string, bool) {
	id, err := h.opts.authenticate(r.Header.Get("Authorization"), claimed)
	switch {
	case err == nil:
		return id, true
	case errors.Is(err, errForbiddenDevice):
		httpapi.WriteError(w, http.StatusForbidden, "forbidden", err.Error())
	default:
		httpapi.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid device token")
	}
	return "", false
}

func (h *httpHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := h.device(w, r, r.URL.Query().Get("device_id"))
	if !ok {
		return
	}
	if err := h.svc.Health(r.Context(), id); err != nil {
		h.writeServiceError(w, "health", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, remote.HealthResponse{Status: "ok"})
}

func (h *httpHandler) handlePush(w http.ResponseWriter, r *http.Request) {
	var req remote.PushRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	id, ok := h.device(w, r, req.DeviceID)
	if !ok {
		return
	}

	events := make([]types.AccessEvent, len(req.Events))
	for i, d := range req.Events {
		events[i] = remote.EventFromDTO(d)
	}

	results, err := h.svc.Push(r.Context(), id, events)
	if err != nil {
		h.writeServiceError(w, "push", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, pushResponse(results))
}

func (h *httpHandler) handlePull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, ok := h.device(w, r, q.Get("device_id"))
	if !ok {
		return
	}

	var since uint64
	if s := q.Get("since"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			httpapi.WriteError(w, http.StatusBadRequest, "invalid_since", "since must be a non-negative integer")
			return
		}
		since = v
	}

	res, err := h.svc.Pull(r.Context(), id, since)
	if err != nil {
		h.writeServiceError(w, "pull", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, pullResponse(res))
}

func (h *httpHandler) handleSetDecision(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.device(w, r, ""); !ok {
		return
	}
	var req decisionRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	c, err := h.svc.SetDecision(r.PathValue("id"), types.Decision(req.Decision))
	if err != nil {
		h.writeServiceError(w, "set decision", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, remote.CredentialToDTO(c))
}

func (h *httpHandler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.device(w, r, ""); !ok {
		return
	}
	stored := h.svc.Events()
	out := make([]remote.EventDTO, len(stored))
	for i, s := range stored {
		out[i] = remote.EventToDTO(s.Event)
	}
	httpapi.WriteJSON(w, http.StatusOK, out)
}

func (h *httpHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.device(w, r, ""); !ok {
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, h.svc.Stats())
}

func (h *httpHandler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrInvalidDeviceID):
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_device_id", err.Error())
	case errors.Is(err, ErrUnknownDevice):
		httpapi.WriteError(w, http.StatusForbidden, "unknown_device", err.Error())
	case errors.Is(err, ErrInvalidCredentialID), errors.Is(err, ErrInvalidDecision):
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_credential", err.Error())
	default:
		h.opts.Logger.Error("authority request failed", "op", op, "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
	}
}

func pushResponse(results []remote.PushResult) remote.PushResponse {
	out := remote.PushResponse{Results: make([]remote.PushResultDTO, len(results))}
	for i, r := range results {
		out.Results[i] = remote.PushResultDTO{EventID: r.EventID, Acked: r.Acked, Error: r.Error}
	}
	return out
}

func pullResponse(res remote.PullResult) remote.PullResponse {
	out := remote.PullResponse{Cursor: res.Cursor, Updates: make([]remote.CredentialDTO, len(res.Updates))}
	for i, c := range res.Updates {
		out.Updates[i] = remote.CredentialToDTO(c)
	}
	return out
}
