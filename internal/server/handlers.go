package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentopia/toolbox-agent/internal/api"
)

// ownerHeader carries the caller's account tool instance id on teardown
// and refresh.
const ownerHeader = "X-Account-Tool-Instance-Id"

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetStatus())
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Discovery())
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req api.DeployRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := s.svc.Deploy(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	resp, err := s.svc.Teardown(r.Context(), name, owner(r, ""))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req api.RefreshCredentialsRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}

	name := chi.URLParam(r, "name")
	resp, err := s.svc.RefreshCredentials(r.Context(), name, owner(r, req.AccountToolInstanceID), req.ConnectionIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	entry, err := s.svc.ForceProbe(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// owner returns the claimed owner: header first, then query, then body.
func owner(r *http.Request, fromBody string) string {
	if v := r.Header.Get(ownerHeader); v != "" {
		return v
	}
	if v := r.URL.Query().Get("accountToolInstanceId"); v != "" {
		return v
	}
	return fromBody
}

// decodeBody reads a JSON body into v. An empty body is accepted when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && optional:
		return nil
	case errors.Is(err, io.EOF):
		return api.NewError(api.KindValidation, "request body is required")
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return api.NewError(api.KindValidation, "request body exceeds %d bytes", maxBodyBytes)
	}
	return api.WrapError(api.KindValidation, err, "invalid JSON body: %v", err)
}
