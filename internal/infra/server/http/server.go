// Package httpserver exposes HTTP handlers for protocol management, surface configuration and
// sync group control.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coachpo/mprview/errs"
	"github.com/coachpo/mprview/internal/app/viewer"
	"github.com/coachpo/mprview/internal/domain/protocol"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	protocolsPath        = "/protocols"
	protocolDetailPrefix = protocolsPath + "/"

	matchPath = "/match"

	surfacesPath        = "/surfaces"
	surfaceDetailPrefix = surfacesPath + "/"

	syncGroupsPath        = "/sync-groups"
	syncGroupDetailPrefix = syncGroupsPath + "/"

	metricsPath = "/metrics"

	eventWriteTimeout = 5 * time.Second
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	service  *viewer.Service
	logger   *log.Logger
	gatherer prometheus.Gatherer
	origins  []string
}

// Option configures the handler.
type Option func(*httpServer)

// WithMetrics serves the gatherer on /metrics.
func WithMetrics(gatherer prometheus.Gatherer) Option {
	return func(s *httpServer) { s.gatherer = gatherer }
}

// WithOriginPatterns lists the origins allowed to open event streams.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *httpServer) { s.origins = append(s.origins, patterns...) }
}

type configurePayload struct {
	ProtocolID  string                  `json:"protocolId"`
	Study       *protocol.StudyMetadata `json:"study,omitempty"`
	Series      []protocol.SeriesRef    `json:"series"`
	Assignments map[string]string       `json:"assignments,omitempty"`
}

func (p configurePayload) selection() protocol.SeriesSelection {
	return protocol.SeriesSelection{Series: p.Series, Assignments: p.Assignments}
}

type syncModePayload struct {
	SyncModes []protocol.SyncMode `json:"syncModes"`
}

// NewHandler creates the HTTP handler of the viewer control API.
func NewHandler(service *viewer.Service, logger *log.Logger, opts ...Option) http.Handler {
	if logger == nil {
		logger = log.New(os.Stdout, "http ", log.LstdFlags|log.Lmicroseconds)
	}
	server := &httpServer{service: service, logger: logger}
	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}
	mux := http.NewServeMux()

	mux.Handle(protocolsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listProtocols,
		http.MethodPost: server.registerProtocol,
	}))
	mux.Handle(protocolDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.getProtocol,
		http.MethodDelete: server.removeProtocol,
	}))

	mux.Handle(matchPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.matchProtocol,
	}))

	mux.Handle(surfacesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listSurfaces,
	}))
	mux.Handle(surfaceDetailPrefix, http.HandlerFunc(server.handleSurface))

	mux.Handle(syncGroupsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listSyncGroups,
	}))
	mux.Handle(syncGroupDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodPut: server.setSyncModes,
	}))

	if server.gatherer != nil {
		mux.Handle(metricsPath, promhttp.HandlerFor(server.gatherer, promhttp.HandlerOpts{}))
	}

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) listProtocols(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"protocols": s.service.Protocols()})
}

func (s *httpServer) registerProtocol(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var def protocol.Definition
	if err := decodeJSON(r, &def); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := s.service.RegisterProtocol(def); err != nil {
		s.writeServiceError(w, err)
		return
	}
	registered, err := s.service.Protocol(def.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

func (s *httpServer) getProtocol(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, protocolDetailPrefix), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "protocol id required")
		return
	}
	def, err := s.service.Protocol(id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *httpServer) removeProtocol(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, protocolDetailPrefix), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "protocol id required")
		return
	}
	if err := s.service.RemoveProtocol(id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) matchProtocol(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var meta protocol.StudyMetadata
	if err := decodeJSON(r, &meta); err != nil {
		writeDecodeError(w, err)
		return
	}
	match, err := s.service.MatchProtocol(meta)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	ranked, err := s.service.RankProtocols(meta)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"match": match, "candidates": ranked})
}

func (s *httpServer) listSurfaces(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"surfaces": s.service.Surfaces()})
}

func (s *httpServer) handleSurface(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, surfaceDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "surface id required")
		return
	}
	segments := strings.Split(rest, "/")
	surfaceID := segments[0]
	switch {
	case len(segments) == 1:
		s.handleSurfaceResource(w, r, surfaceID)
	case len(segments) == 2 && segments[1] == "events":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.streamEvents(w, r, surfaceID)
	case len(segments) == 4 && segments[1] == "viewports" && segments[3] == "retry":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.retryViewport(w, r, surfaceID, segments[2])
	default:
		writeError(w, http.StatusNotFound, "resource not found")
	}
}

func (s *httpServer) handleSurfaceResource(w http.ResponseWriter, r *http.Request, surfaceID string) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.service.Surface(surfaceID))
	case http.MethodPut:
		s.configureSurface(w, r, surfaceID)
	case http.MethodDelete:
		s.service.TeardownSurface(surfaceID)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, http.MethodDelete, http.MethodGet, http.MethodPut)
	}
}

func (s *httpServer) configureSurface(w http.ResponseWriter, r *http.Request, surfaceID string) {
	limitRequestBody(w, r)
	var payload configurePayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	protocolID := strings.TrimSpace(payload.ProtocolID)
	if protocolID == "" {
		if payload.Study == nil {
			writeError(w, http.StatusBadRequest, "protocolId or study required")
			return
		}
		match, err := s.service.MatchProtocol(*payload.Study)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		protocolID = match.ProtocolID
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		if err := s.service.ConfigureSurfaceAsync(surfaceID, protocolID, payload.selection()); err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "surfaceId": surfaceID, "protocolId": protocolID})
		return
	}

	snap, err := s.service.ConfigureSurface(r.Context(), surfaceID, protocolID, payload.selection())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *httpServer) retryViewport(w http.ResponseWriter, r *http.Request, surfaceID, viewportID string) {
	state, err := s.service.RetryViewport(r.Context(), surfaceID, viewportID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *httpServer) listSyncGroups(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"syncGroups": s.service.SyncGroups()})
}

func (s *httpServer) setSyncModes(w http.ResponseWriter, r *http.Request) {
	groupID := strings.Trim(strings.TrimPrefix(r.URL.Path, syncGroupDetailPrefix), "/")
	if groupID == "" {
		writeError(w, http.StatusNotFound, "sync group id required")
		return
	}
	limitRequestBody(w, r)
	var payload syncModePayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := s.service.SetSyncMode(groupID, payload.SyncModes); err != nil {
		s.writeServiceError(w, err)
		return
	}
	for _, group := range s.service.SyncGroups() {
		if group.GroupID == groupID {
			writeJSON(w, http.StatusOK, group)
			return
		}
	}
	writeError(w, http.StatusNotFound, "sync group not found")
}

// streamEvents upgrades to a websocket and writes the surface's bus events as JSON text
// messages until either side goes away.
func (s *httpServer) streamEvents(w http.ResponseWriter, r *http.Request, surfaceID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.logger.Printf("surface=%s websocket accept failed: %v", surfaceID, err)
		return
	}
	defer func() {
		_ = conn.CloseNow()
	}()

	ctx := conn.CloseRead(r.Context())
	events, err := s.service.SubscribeEvents(ctx, surfaceID)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "event stream closed")
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				s.logger.Printf("surface=%s encode event: %v", surfaceID, err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *httpServer) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Printf("request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"status": "error", "code": string(errs.CodeOf(err)), "error": err.Error()})
}

func statusFor(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeBusy, errs.CodeCancelled:
		return http.StatusConflict
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeInvalid, errs.CodeConfiguration:
		return http.StatusBadRequest
	case errs.CodeEmptySeries, errs.CodeMissingElement:
		return http.StatusUnprocessableEntity
	case errs.CodeEngineConstruction, errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errs.CodeVolumeFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
