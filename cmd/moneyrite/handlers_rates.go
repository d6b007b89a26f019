package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Noxie-dev/jobrite.com/pkg/breaker"
	"github.com/Noxie-dev/jobrite.com/pkg/httpx"
	"github.com/Noxie-dev/jobrite.com/pkg/rates"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleCurrentRates(w http.ResponseWriter, r *http.Request) {
	cfg := s.Engine.GetCurrentRates(r.Context())
	if cfg == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "no rate configuration available")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.Engine.ListAvailableVersions(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	current := ""
	if cfg := s.Engine.GetCurrentRates(r.Context()); cfg != nil {
		current = cfg.Version
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"versions": versions,
		"current":  current,
	})
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	version := strings.TrimSpace(chi.URLParam(r, "version"))
	cfg, err := s.Engine.LoadVersion(r.Context(), version)
	if err != nil {
		if errors.Is(err, rates.ErrVersionNotFound) {
			httpx.Error(w, http.StatusNotFound, "version not found")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleRateStatus(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Updater.Status(r.Context()))
}

func (s *Server) handleRateUpdate(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	verifyOnly := r.URL.Query().Get("verify_only") == "true"
	s.applyRateUpdate(w, r, func() (*rates.UpdateResult, error) {
		return s.Updater.UpdateRates(r.Context(), body, verifyOnly)
	})
}

type updateFromURLRequest struct {
	URL        string `json:"url"`
	VerifyOnly bool   `json:"verify_only"`
}

func (s *Server) handleRateUpdateFromURL(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req updateFromURLRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		httpx.Error(w, http.StatusBadRequest, "url required")
		return
	}
	s.applyRateUpdate(w, r, func() (*rates.UpdateResult, error) {
		return s.Updater.UpdateFromURL(r.Context(), s.HTTPClient, req.URL, req.VerifyOnly)
	})
}

type rollbackRequest struct {
	Version string `json:"version"`
}

func (s *Server) handleRateRollback(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req rollbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Version) == "" {
		httpx.Error(w, http.StatusBadRequest, "version required")
		return
	}
	s.applyRateUpdate(w, r, func() (*rates.UpdateResult, error) {
		return s.Updater.Rollback(r.Context(), req.Version)
	})
}

func (s *Server) applyRateUpdate(w http.ResponseWriter, r *http.Request, op func() (*rates.UpdateResult, error)) {
	var result *rates.UpdateResult
	err := s.UpdateBreaker.Do(r.Context(), func(ctx context.Context) error {
		var opErr error
		result, opErr = op()
		return opErr
	})
	if err != nil {
		switch {
		case errors.Is(err, breaker.ErrOpen):
			httpx.Error(w, http.StatusServiceUnavailable, "rate updates temporarily unavailable")
		case errors.Is(err, rates.ErrUpdateInProgress):
			httpx.Error(w, http.StatusConflict, err.Error())
		case errors.Is(err, rates.ErrIntegrity), errors.Is(err, rates.ErrInvalidConfig):
			httpx.Error(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, rates.ErrVersionNotFound):
			httpx.Error(w, http.StatusNotFound, err.Error())
		default:
			httpx.Error(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}
