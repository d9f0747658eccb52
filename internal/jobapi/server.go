// Package jobapi implements the local HTTP endpoint that containerized
// updaters call back to: fetching job details and credentials, streaming
// structured output records and marking the job processed.
//
// Every request must present the token issued for the addressed job id,
// tokens of other jobs are rejected. The per-run state lives in an explicit
// Store so concurrent runs do not interfere.
package jobapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/simplesurance/drover/internal/logfields"
)

const shutdownTimeout = 5 * time.Second

// Server is the job API endpoint, reachable by updater containers over the
// loopback or container bridge network.
type Server struct {
	store      *Store
	logger     *zap.Logger
	httpServer *http.Server
	listener   net.Listener
}

// NewServer returns a Server serving the given store.
func NewServer(store *Store) *Server {
	s := Server{
		store:  store,
		logger: zap.L().Named("jobapi"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /jobs/{id}", s.handleJobDetails)
	mux.HandleFunc("GET /jobs/{id}/credentials", s.handleCredentials)
	mux.HandleFunc("POST /jobs/{id}/{record_type}", s.handleRecord)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{Handler: mux}

	return &s
}

// Start listens on addr ("host:port", port 0 picks a free port) and serves
// in a background goroutine.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s failed: %w", addr, err)
	}

	s.listener = listener

	go func() {
		err := s.httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			s.logger.Debug("job api server terminated", logfields.Event("jobapi_server_terminated"))
			return
		}

		s.logger.Error(
			"job api server terminated unexpectedly",
			logfields.Event("jobapi_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()

	s.logger.Info(
		"job api server started",
		logfields.Event("jobapi_server_started"),
		zap.String("listen_addr", listener.Addr().String()),
	)

	return nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelFn()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn(
			"shutting down job api server failed",
			logfields.Event("jobapi_server_shutdown_failed"),
			zap.Error(err),
		)
	}
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(req *http.Request) string {
	const prefix = "Bearer "

	header := req.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return ""
	}

	return strings.TrimPrefix(header, prefix)
}

func jobID(req *http.Request) (int, error) {
	return strconv.Atoi(req.PathValue("id"))
}

// writeError maps store errors to http status codes.
// Token mismatches and unknown job ids both fail closed with 401, the
// response must not reveal which job ids exist.
func (s *Server) writeError(resp http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrUnknownJob):
		http.Error(resp, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, ErrJobClosed):
		http.Error(resp, "job already processed", http.StatusConflict)
	default:
		http.Error(resp, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleJobDetails(resp http.ResponseWriter, req *http.Request) {
	id, err := jobID(req)
	if err != nil {
		http.Error(resp, "invalid job id", http.StatusBadRequest)
		return
	}

	job, err := s.store.JobDetails(id, bearerToken(req))
	if err != nil {
		s.writeError(resp, err)
		return
	}

	details := map[string]any{
		"id":                    job.ID,
		"kind":                  string(job.Kind),
		"package-ecosystem":     job.Ecosystem.String(),
		"directories":           job.Directories,
		"target-branch":         job.TargetBranch,
		"dependencies":          job.Dependencies,
		"dependency-group-name": job.DependencyGroupName,
		"experiments":           job.Experiments,
		"commit-author-name":    job.CommitAuthorName,
		"commit-author-email":   job.CommitAuthorEmail,
		"security-advisories":   job.SecurityAdvisories,
	}

	resp.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(resp).Encode(map[string]any{"job": details}); err != nil {
		s.logger.Info("sending job details response failed", zap.Error(err))
	}
}

func (s *Server) handleCredentials(resp http.ResponseWriter, req *http.Request) {
	id, err := jobID(req)
	if err != nil {
		http.Error(resp, "invalid job id", http.StatusBadRequest)
		return
	}

	creds, err := s.store.Credentials(req.Context(), id, bearerToken(req))
	if err != nil {
		s.logger.Info(
			"credential request rejected",
			logfields.Event("jobapi_credential_request_rejected"),
			logfields.JobID(id),
			zap.Error(err),
		)

		s.writeError(resp, err)
		return
	}

	resp.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(resp).Encode(map[string]any{"credentials": creds}); err != nil {
		s.logger.Info("sending credentials response failed", zap.Error(err))
	}
}

func (s *Server) handleRecord(resp http.ResponseWriter, req *http.Request) {
	id, err := jobID(req)
	if err != nil {
		http.Error(resp, "invalid job id", http.StatusBadRequest)
		return
	}

	recordType := req.PathValue("record_type")

	var payload struct {
		Data json.RawMessage `json:"data"`
	}

	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		http.Error(resp, "invalid record payload", http.StatusBadRequest)
		return
	}

	record := Record{Type: recordType, Data: payload.Data}

	if err := s.store.AppendRecord(id, bearerToken(req), &record); err != nil {
		s.logger.Info(
			"output record rejected",
			logfields.Event("jobapi_record_rejected"),
			logfields.JobID(id),
			zap.String("record_type", recordType),
			zap.Error(err),
		)

		s.writeError(resp, err)
		return
	}

	recordsReceivedInc(recordType)

	resp.WriteHeader(http.StatusNoContent)
}
