package server

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"room-relay/auth"
	"room-relay/contract"
	"room-relay/errors"
	"room-relay/infrastructure/http/sse"
	"room-relay/runtime/workers"
	"room-relay/search"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	mediaJSON        = "application/json"
	mediaEventStream = "text/event-stream"
)

// HealthReporter exposes the last sample of the health worker.
type HealthReporter interface {
	Latest() workers.Health
}

// RoomServer is the HTTP face of the room service.
type RoomServer struct {
	log        *slog.Logger
	service    contract.IRoomService
	health     HealthReporter
	bufferSize int
	trustProxy bool
}

// NewRoomServer builds the server. bufferSize is the number of frames an
// event stream may lag behind before it is dropped. health may be nil.
// Forwarding headers decide the client address only when trustProxy is set.
func NewRoomServer(log *slog.Logger, service contract.IRoomService, health HealthReporter, bufferSize int, trustProxy bool) *RoomServer {
	return &RoomServer{log: log, service: service, health: health, bufferSize: bufferSize, trustProxy: trustProxy}
}

// Handler returns the router with the middleware stack.
func (s *RoomServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	s.Routes(r)
	return r
}

func (s *RoomServer) Routes(r chi.Router) {
	r.Route("/rooms", func(r chi.Router) {
		r.Get("/", s.handleRooms)
		r.With(requireAccept(mediaJSON)).Post("/", s.handleRoomCreate)
		r.With(requireAccept(mediaJSON)).Get("/{id}", s.handleRoomGet)
		r.With(requireAccept(mediaJSON)).Put("/{id}", s.handleRoomUpdate)
		r.With(requireAccept(mediaEventStream)).Get("/{id}/signals", s.handleSignalsStream)
		r.With(requireAccept(mediaJSON)).Post("/{id}/signals", s.handleSignalPost)
	})
	r.Get("/health", s.handleHealth)
}

// handleRooms serves the active rooms as JSON, a search when q is set, or the global feed as an event stream.
func (s *RoomServer) handleRooms(w http.ResponseWriter, r *http.Request) {
	switch {
	case accepts(r, mediaJSON):
		if terms, ok := r.URL.Query()["q"]; ok {
			s.handleRoomSearch(w, r, strings.Join(terms, " "))
			return
		}
		writeJSON(w, http.StatusOK, s.service.ListActive())
	case accepts(r, mediaEventStream):
		sink := sse.NewSink(s.bufferSize)
		sub, err := s.service.SubscribeRooms(sink, r.Header.Get("Last-Event-ID"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		defer sub.Close()
		s.stream(w, r, sink, "feed", "rooms")
	default:
		s.writeError(w, r, errors.ErrNotAcceptable)
	}
}

func (s *RoomServer) handleRoomSearch(w http.ResponseWriter, r *http.Request, terms string) {
	limit := search.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("limit %q: %w", raw, errors.ErrValidation))
			return
		}
		limit = n
	}
	views, err := s.service.Search(r.Context(), terms, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *RoomServer) handleRoomCreate(w http.ResponseWriter, r *http.Request) {
	req, err := auth.ParseRoom(r.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.service.Create(r.Context(), clientAddress(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *RoomServer) handleRoomGet(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *RoomServer) handleRoomUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := auth.ParseRoom(r.Body)
	if err != nil {
		s.writeError(w, r, s.existsOr(r, id, err))
		return
	}
	if err := s.service.Update(r.Context(), clientAddress(r), id, r.Header.Get("Authorization"), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *RoomServer) handleSignalsStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	query := r.URL.Query()
	sink := sse.NewSink(s.bufferSize)
	sub, err := s.service.SubscribeSignals(r.Context(), clientAddress(r), id, contract.SignalsSubscription{
		Password:    query.Get("password"),
		PeerID:      query.Get("peerId"),
		LastEventID: r.Header.Get("Last-Event-ID"),
	}, sink)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()
	s.stream(w, r, sink, "roomId", id, "peerId", sub.PeerID())
}

func (s *RoomServer) handleSignalPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := auth.ParseSignal(r.Body)
	if err != nil {
		s.writeError(w, r, s.existsOr(r, id, err))
		return
	}
	if err := s.service.PostSignal(r.Context(), clientAddress(r), id, r.Header.Get("Authorization"), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *RoomServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, workers.Health{})
		return
	}
	writeJSON(w, http.StatusOK, s.health.Latest())
}

// stream blocks until the client leaves or the hub drops the connection.
func (s *RoomServer) stream(w http.ResponseWriter, r *http.Request, sink *sse.Sink, attrs ...any) {
	s.log.Debug("Event stream opened", attrs...)
	if err := sink.Pump(r.Context(), w); err != nil {
		s.log.Debug("Event stream interrupted", append(attrs, "error", err)...)
		return
	}
	s.log.Debug("Event stream closed", attrs...)
}

// existsOr reports a missing room before a malformed body.
func (s *RoomServer) existsOr(r *http.Request, id string, err error) error {
	if _, getErr := s.service.Get(r.Context(), id); getErr != nil {
		return getErr
	}
	return err
}

func (s *RoomServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if challenge, ok := errors.Challenge(err); ok {
		w.Header().Set("WWW-Authenticate", challenge)
	}
	var blocked *auth.BlockedError
	if stderrors.As(err, &blocked) {
		retry := math.Ceil(time.Until(blocked.Until).Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(max(int(retry), 1)))
	}

	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err,
			"requestId", middleware.GetReqID(r.Context()))
		message = http.StatusText(status)
	} else {
		s.log.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", mediaJSON+"; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// requireAccept answers 406 unless the client accepts mediaType.
func requireAccept(mediaType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !accepts(r, mediaType) {
				w.Header().Set("Content-Type", mediaJSON+"; charset=utf-8")
				w.WriteHeader(http.StatusNotAcceptable)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": errors.ErrNotAcceptable.Error()})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// accepts reports whether the Accept header allows mediaType.
// A missing header accepts anything, q=0 excludes a range.
func accepts(r *http.Request, mediaType string) bool {
	header := strings.Join(r.Header.Values("Accept"), ",")
	if strings.TrimSpace(header) == "" {
		return true
	}
	kind, _, _ := strings.Cut(mediaType, "/")
	for _, item := range strings.Split(header, ",") {
		params := strings.Split(item, ";")
		rng := strings.ToLower(strings.TrimSpace(params[0]))
		if rng != mediaType && rng != kind+"/*" && rng != "*/*" {
			continue
		}
		if !zeroQuality(params[1:]) {
			return true
		}
	}
	return false
}

func zeroQuality(params []string) bool {
	for _, p := range params {
		name, value, ok := strings.Cut(strings.TrimSpace(p), "=")
		if ok && strings.EqualFold(name, "q") {
			q, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			return err == nil && q == 0
		}
	}
	return false
}

// clientAddress is the address blocked on abuse. Behind a trusted proxy,
// RealIP has already replaced RemoteAddr from the forwarding headers.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
