package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/waveline/bridge-gateway/internal/core"
	"github.com/waveline/bridge-gateway/internal/history"
	"github.com/waveline/bridge-gateway/internal/jobs"
	"github.com/waveline/bridge-gateway/internal/recovery"
	"github.com/waveline/bridge-gateway/internal/retry"
)

type Server struct {
	Store      *core.Store
	Dispatcher *retry.Dispatcher
	Sweeper    *recovery.Sweeper
	Sched      jobs.Scheduler
	Pool       *pgxpool.Pool
	Log        zerolog.Logger
}

func NewServer(pool *pgxpool.Pool, dispatcher *retry.Dispatcher, sweeper *recovery.Sweeper, sched jobs.Scheduler, log zerolog.Logger) *Server {
	return &Server{
		Store:      core.NewStore(pool),
		Dispatcher: dispatcher,
		Sweeper:    sweeper,
		Sched:      sched,
		Pool:       pool,
		Log:        log.With().Str("component", "http").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, instrument)

	r.Post("/channels", s.createChannel)
	r.Post("/conversations/{id}/messages", s.postMessage)
	r.Get("/messages/{id}", s.getMessage)
	r.Post("/webhooks/{channel_id}/history-sync", s.historySync)
	r.Post("/webhooks/{channel_id}/status", s.statusUpdate)
	r.Get("/channels/{id}/failed-stats", s.channelFailedStats)
	r.Get("/failed-stats", s.failedStats)

	s.mountHealth(r)
	s.mountMetrics(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) createChannel(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PhoneNumber        string              `json:"phone_number"`
		Provider           core.ProviderKind   `json:"provider"`
		Config             core.ProviderConfig `json:"config"`
		SingleConversation bool                `json:"single_conversation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	if in.Provider == "" {
		in.Provider = core.ProviderBridge
	}
	id, err := s.Store.CreateChannel(r.Context(), core.Channel{
		PhoneNumber:        in.PhoneNumber,
		Provider:           in.Provider,
		Config:             in.Config,
		SingleConversation: in.SingleConversation,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	var in struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Body == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	id, err := s.Store.CreateOutbound(r.Context(), conversationID, in.Body)
	if errors.Is(err, core.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation_not_found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if err := s.Dispatcher.Submit(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.Store.FindOutbound(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, core.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "message_not_found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// historySync accepts a bulk payload and hands it to the ingestion job.
// Returning 202 quickly keeps webhook deliveries from piling up; dedup of
// overlapping deliveries happens inside the ingester.
func (s *Server) historySync(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channel_id")
	if _, err := s.Store.FindChannel(r.Context(), channelID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "channel_not_found"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 16<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	if !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_json"})
		return
	}
	args := history.Args{ChannelID: channelID, Payload: body}
	if err := s.Sched.Schedule(r.Context(), history.JobName, args, 0, jobs.PriorityHigh); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// statusUpdate applies bridge delivery receipts to outgoing messages. A
// receipt for an unknown or already-confirmed message is silently skipped;
// the bridge redelivers receipts freely.
func (s *Server) statusUpdate(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channel_id")
	if _, err := s.Store.FindChannel(r.Context(), channelID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "channel_not_found"})
		return
	}
	var in struct {
		Updates []history.StatusUpdate `json:"updates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	applied := 0
	for _, u := range in.Updates {
		if u.ID == "" {
			continue
		}
		st := history.MapStatus(u.Status)
		if st == core.StatusSent {
			// Not a confirmation; nothing to advance.
			continue
		}
		err := s.Store.UpdateStatusBySource(r.Context(), channelID, u.ID, st)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		applied++
	}
	writeJSON(w, http.StatusOK, map[string]int{"applied": applied})
}

func (s *Server) channelFailedStats(w http.ResponseWriter, r *http.Request) {
	ch, err := s.Store.FindChannel(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, core.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "channel_not_found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	st, err := s.Sweeper.ChannelStats(r.Context(), ch)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) failedStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Sweeper.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if stats == nil {
		stats = []recovery.ChannelStats{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": stats})
}
