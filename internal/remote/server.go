// Package remote exposes the sync API over HTTP and provides a matching client.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"

	"github.com/roach88/avm/internal/auth"
	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/diff"
	"github.com/roach88/avm/internal/metrics"
	"github.com/roach88/avm/internal/repo"
	"github.com/roach88/avm/internal/submit"
	"github.com/roach88/avm/internal/syncer"
)

const maxBodySize = 16 << 20

// Server serves the sync API of one repository.
type Server struct {
	repo      *repo.Repository
	engine    *syncer.Engine
	submitter *submit.Handler
	tickets   auth.Validator
	log       *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithTickets requires a valid ticket on every mutating request. Without it
// the server accepts writes from anyone.
func WithTickets(v auth.Validator) ServerOption {
	return func(s *Server) {
		s.tickets = v
	}
}

// WithSubmitHandler replaces the default submit handler.
func WithSubmitHandler(h *submit.Handler) ServerOption {
	return func(s *Server) {
		s.submitter = h
	}
}

// WithServerLogger sets the request logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// NewServer creates a Server driving engine.
func NewServer(engine *syncer.Engine, opts ...ServerOption) *Server {
	s := &Server{
		repo:   engine.Repository(),
		engine: engine,
		log:    engine.Repository().Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.submitter == nil {
		s.submitter = submit.NewHandler(engine, submit.WithLogger(s.log))
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /v1/stores", s.handleStores)
	mux.HandleFunc("GET /v1/layer-state", s.handleLayerState)
	mux.HandleFunc("POST /v1/compare", s.handleCompare)

	mux.Handle("POST /v1/update", s.protect(s.handleUpdate))
	mux.Handle("POST /v1/flatten", s.protect(s.handleFlatten))
	mux.Handle("POST /v1/reset-layer", s.protect(s.handleResetLayer))
	mux.Handle("POST /v1/snapshot", s.protect(s.handleSnapshot))
	mux.Handle("POST /v1/submit", s.protect(s.handleSubmit))

	return metrics.Middleware(s.logRequests(mux))
}

func (s *Server) protect(fn http.HandlerFunc) http.Handler {
	if s.tickets == nil {
		return fn
	}
	return auth.Middleware(s.tickets)(fn)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// authorize fails unless the request's ticket allows every store. It always
// passes when the server runs without tickets.
func (s *Server) authorize(ctx context.Context, stores ...string) error {
	if s.tickets == nil {
		return nil
	}
	claims := auth.FromContext(ctx)
	if claims == nil {
		return errUnauthorized
	}
	for _, st := range stores {
		if !claims.Allows(st) {
			return &forbiddenError{store: st, subject: claims.Subject}
		}
	}
	return nil
}

var errUnauthorized = errors.New("ticket required")

type forbiddenError struct {
	store   string
	subject string
}

func (e *forbiddenError) Error() string {
	return fmt.Sprintf("ticket for %q does not grant store %q", e.subject, e.store)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStores(w http.ResponseWriter, r *http.Request) {
	var stores []avm.Store
	err := s.repo.Read(r.Context(), func(v *repo.View) error {
		var err error
		stores, err = v.Stores(r.Context())
		return err
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StoresResponse{Stores: stores})
}

func (s *Server) handleLayerState(w http.ResponseWriter, r *http.Request) {
	p, err := avm.ParsePath(r.URL.Query().Get("path"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	var state avm.LayerState
	err = s.repo.Read(r.Context(), func(v *repo.View) error {
		var err error
		state, err = v.LayerState(r.Context(), p)
		return err
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LayerStateResponse{Path: p.String(), State: state})
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req CompareRequest
	if !s.decode(w, r, &req) {
		return
	}
	src, err := avm.ParsePath(req.Src)
	if err != nil {
		s.sendError(w, err)
		return
	}
	dst, err := avm.ParsePath(req.Dst)
	if err != nil {
		s.sendError(w, err)
		return
	}
	ex, err := excluder(req.Exclude)
	if err != nil {
		s.sendError(w, err)
		return
	}

	var diffs []avm.Difference
	err = s.repo.Read(r.Context(), func(v *repo.View) error {
		var err error
		diffs, err = diff.Compare(r.Context(), v, src, dst, ex)
		return err
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CompareResponse{Differences: diffs})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	ex, err := excluder(req.Exclude)
	if err != nil {
		s.sendError(w, err)
		return
	}
	stores := []string{}
	for _, d := range req.Differences {
		dst, err := d.Destination()
		if err != nil {
			s.sendError(w, err)
			return
		}
		if !slices.Contains(stores, dst.Store) {
			stores = append(stores, dst.Store)
		}
	}
	if err := s.authorize(r.Context(), stores...); err != nil {
		s.sendError(w, err)
		return
	}

	res, err := s.engine.Update(r.Context(), req.Differences, ex, req.Options)
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFlatten(w http.ResponseWriter, r *http.Request) {
	var req FlattenRequest
	if !s.decode(w, r, &req) {
		return
	}
	layer, err := avm.ParsePath(req.Layer)
	if err != nil {
		s.sendError(w, err)
		return
	}
	underlying, err := parseOptional(req.Underlying)
	if err != nil {
		s.sendError(w, err)
		return
	}
	if err := s.authorize(r.Context(), layer.Store); err != nil {
		s.sendError(w, err)
		return
	}

	changed, err := s.engine.Flatten(r.Context(), layer, underlying)
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FlattenResponse{Changed: changed})
}

func (s *Server) handleResetLayer(w http.ResponseWriter, r *http.Request) {
	var req ResetLayerRequest
	if !s.decode(w, r, &req) {
		return
	}
	layer, err := avm.ParsePath(req.Layer)
	if err != nil {
		s.sendError(w, err)
		return
	}
	if err := s.authorize(r.Context(), layer.Store); err != nil {
		s.sendError(w, err)
		return
	}
	if err := s.engine.ResetLayer(r.Context(), layer); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req SnapshotRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.authorize(r.Context(), req.Store); err != nil {
		s.sendError(w, err)
		return
	}
	version, err := s.repo.Snapshot(r.Context(), req.Store, req.Tag, req.Description)
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SnapshotResponse{Store: req.Store, Version: version})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	if !s.decode(w, r, &body) {
		return
	}
	req := submit.Request{Tag: body.Tag, Description: body.Description}
	var err error
	if req.Source, err = avm.ParsePath(body.Source); err != nil {
		s.sendError(w, err)
		return
	}
	if req.Target, err = parseOptional(body.Target); err != nil {
		s.sendError(w, err)
		return
	}
	if req.From, err = parseOptional(body.From); err != nil {
		s.sendError(w, err)
		return
	}
	if req.Excluder, err = excluder(body.Exclude); err != nil {
		s.sendError(w, err)
		return
	}

	target, err := s.submitter.Target(r.Context(), req)
	if err != nil {
		s.sendError(w, err)
		return
	}
	stores := []string{req.Source.Store, target.Store}
	if req.From.Store != "" {
		stores = append(stores, req.From.Store)
	}
	if err := s.authorize(r.Context(), stores...); err != nil {
		s.sendError(w, err)
		return
	}

	res, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	var fe *forbiddenError
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &fe):
		return http.StatusForbidden
	}
	switch avm.CodeOf(err) {
	case avm.ErrCodeNotFound, avm.ErrCodeStoreNotFound, avm.ErrCodeVersionNotFound:
		return http.StatusNotFound
	case avm.ErrCodeNameCollision, avm.ErrCodeConflict, avm.ErrCodeSealed:
		return http.StatusConflict
	case avm.ErrCodeCycle, avm.ErrCodeTypeMismatch, avm.ErrCodeInvalidPath:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	resp := ErrorResponse{Error: err.Error()}
	var ae *avm.Error
	if errors.As(err, &ae) {
		resp.Error = ae.Message
		resp.Code = ae.Code
		resp.Path = ae.Path
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
