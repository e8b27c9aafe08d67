package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/davidbz/relayd/internal/chat"
	"github.com/davidbz/relayd/internal/config"
	"github.com/davidbz/relayd/internal/dispatch"
	"github.com/davidbz/relayd/internal/domain"
	"github.com/davidbz/relayd/internal/observability"
	"github.com/davidbz/relayd/internal/relay"
)

// Compare lanes.
const (
	laneHistory   = "history"
	laneStateless = "stateless"
)

// Handler handles HTTP requests.
type Handler struct {
	chat     *chat.Service
	registry domain.ProviderRegistry
	relayCfg *config.RelayConfig
}

// NewHandler creates a new HTTP handler (DI constructor).
func NewHandler(service *chat.Service, registry domain.ProviderRegistry, relayCfg *config.RelayConfig) *Handler {
	return &Handler{
		chat:     service,
		registry: registry,
		relayCfg: relayCfg,
	}
}

type messageRequest struct {
	Message string `json:"message"`
	chat.Settings
}

type lane struct {
	name   string
	handle *relay.Handle
}

// HandleConversationMessage relays a message within a conversation as SSE.
func (h *Handler) HandleConversationMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")
	ctx = observability.WithConversationID(ctx, conversationID)

	req, ok := decodeMessage(ctx, w, r)
	if !ok {
		return
	}

	loop := dispatch.NewLoop(h.relayCfg.QueueSize)
	handle, err := h.chat.Send(ctx, conversationID, req.Settings, req.Message, relay.WithDispatcher(loop))
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	h.stream(ctx, w, loop, nil, lane{handle: handle})
}

// HandleMessage relays a message without conversation history as SSE.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := decodeMessage(ctx, w, r)
	if !ok {
		return
	}

	loop := dispatch.NewLoop(h.relayCfg.QueueSize)
	handle, err := h.chat.SendStateless(ctx, req.Settings, req.Message, relay.WithDispatcher(loop))
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	h.stream(ctx, w, loop, nil, lane{handle: handle})
}

// HandleCompare relays a message to a conversation lane and a stateless lane
// over one SSE stream. Every event carries its lane.
func (h *Handler) HandleCompare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")
	ctx = observability.WithConversationID(ctx, conversationID)

	req, ok := decodeMessage(ctx, w, r)
	if !ok {
		return
	}

	loop := dispatch.NewLoop(h.relayCfg.QueueSize)
	cmp, err := h.chat.Compare(ctx, conversationID, req.Settings, req.Message, loop)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	h.stream(ctx, w, loop, cmp.Group,
		lane{name: laneHistory, handle: cmp.WithHistory},
		lane{name: laneStateless, handle: cmp.Stateless},
	)
}

// stream runs loop on the request goroutine until every lane has delivered
// its terminal state, or until the client goes away.
func (h *Handler) stream(
	ctx context.Context,
	w http.ResponseWriter,
	loop *dispatch.Loop,
	group *relay.Group,
	lanes ...lane,
) {
	logger := observability.FromContext(ctx)

	events, ok := newEventWriter(w)
	if !ok {
		logger.Error("streaming not supported")
		for _, l := range lanes {
			_ = l.handle.CancelAndWait(h.relayCfg.ShutdownTimeout)
		}
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	for _, l := range lanes {
		name := l.name
		if err := events.send(eventStart, startEvent{HandleID: l.handle.ID(), Provider: l.handle.Provider(), Lane: name}); err != nil {
			logger.Debug("failed to write start event", observability.Error(err))
		}

		l.handle.OnChunk(func(text string) {
			if err := events.send(eventChunk, chunkEvent{Text: text, Lane: name}); err != nil {
				logger.Debug("failed to write chunk", observability.Error(err))
			}
		})
		l.handle.OnDone(func(final domain.FinalState) {
			if err := events.send(eventDone, newDoneEvent(final, name)); err != nil {
				logger.Debug("failed to write done event", observability.Error(err))
			}
			if group == nil {
				loop.Stop()
			}
		})
	}

	if group != nil {
		group.OnAllDone(loop.Stop)
	}

	if err := loop.Run(ctx); err == nil {
		logger.Info("stream completed")
		return
	}

	logger.Info("client disconnected, cancelling stream")
	for _, l := range lanes {
		l.handle.Cancel()
	}
	loop.Stop()
	for _, l := range lanes {
		if err := l.handle.Wait(h.relayCfg.ShutdownTimeout); err != nil {
			logger.Error("stream did not stop after disconnect", observability.Error(err))
		}
	}

	// Run returns at once on a stopped loop, after running what is queued.
	_ = loop.Run(context.Background())
}

// HandleCancel cancels an in-flight stream.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handleID := chi.URLParam(r, "handleID")
	ctx = observability.WithHandleID(ctx, handleID)

	if err := h.chat.Cancel(handleID); err != nil {
		writeError(ctx, w, err)
		return
	}

	observability.FromContext(ctx).Info("stream cancelled by request")
	writeJSON(ctx, w, http.StatusAccepted, map[string]string{
		"handle_id": handleID,
		"status":    "cancelling",
	})
}

// HandleHistory returns the committed turns of a conversation.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	turns, err := h.chat.History(ctx, conversationID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, map[string]any{
		"id":    conversationID,
		"turns": turns,
	})
}

// HandleReset deletes a conversation.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := h.chat.Reset(ctx, conversationID); err != nil {
		writeError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleModels lists providers and the models they advertise.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	names, err := h.registry.List(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	models := make(map[string][]string, len(names))
	for _, name := range names {
		provider, getErr := h.registry.Get(ctx, name)
		if getErr != nil {
			continue
		}
		models[name] = provider.SupportedModels(ctx)
	}

	writeJSON(ctx, w, http.StatusOK, map[string]any{"providers": models})
}

// HandleHealth handles health check requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	}); err != nil {
		// Already written status, can't change it, just log.
		return
	}
}

func decodeMessage(ctx context.Context, w http.ResponseWriter, r *http.Request) (messageRequest, bool) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(ctx, w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
		return req, false
	}

	if req.APIKey == "" {
		if token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); found {
			req.APIKey = strings.TrimSpace(token)
		}
	}

	observability.FromContext(ctx).Info("message request received",
		observability.String("model", req.Model),
		observability.Int("message_length", len(req.Message)),
	)

	return req, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrHandleNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConversationBusy):
		return http.StatusConflict
	case errors.Is(err, relay.ErrRelayClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)

	logger := observability.FromContext(ctx)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", observability.Error(err))
	} else {
		logger.Info("request rejected", observability.Error(err), observability.Int("status", status))
	}

	writeJSON(ctx, w, status, map[string]string{"error": err.Error()})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		observability.FromContext(ctx).Error("failed to encode response", observability.Error(err))
	}
}
