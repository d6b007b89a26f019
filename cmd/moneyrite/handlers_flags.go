package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Noxie-dev/jobrite.com/pkg/breaker"
	"github.com/Noxie-dev/jobrite.com/pkg/flags"
	"github.com/Noxie-dev/jobrite.com/pkg/httpx"
	"github.com/Noxie-dev/jobrite.com/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListFlags(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"flags": s.Flags.List(r.Context())})
}

func (s *Server) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	status, err := s.Flags.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		httpx.Error(w, http.StatusNotFound, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, status)
}

func (s *Server) handleFlagEnabled(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.Flags.Get(r.Context(), name); err != nil {
		httpx.Error(w, http.StatusNotFound, err.Error())
		return
	}
	uid := userID(r)
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"flag":    name,
		"user_id": uid,
		"enabled": s.Flags.IsEnabled(r.Context(), name, uid),
		"shadow":  s.Flags.ShouldRunShadow(r.Context(), name, uid),
	})
}

func (s *Server) handlePatchFlag(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var upd flags.Update
	if err := json.Unmarshal(body, &upd); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	name := chi.URLParam(r, "name")
	flag, err := s.Flags.Apply(r.Context(), name, upd)
	if err != nil {
		if errors.Is(err, flags.ErrUnknownFlag) {
			httpx.Error(w, http.StatusNotFound, err.Error())
			return
		}
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	s.Events.Publish(stream.NewEvent(stream.EventFlagChanged, flag))
	httpx.WriteJSON(w, http.StatusOK, flag)
}

type promoteRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handlePromoteFlag(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req promoteRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	name := chi.URLParam(r, "name")
	flag, err := s.Flags.PromoteCanary(r.Context(), name, req.Force)
	if err != nil {
		if errors.Is(err, flags.ErrUnknownFlag) {
			httpx.Error(w, http.StatusNotFound, err.Error())
			return
		}
		httpx.Error(w, http.StatusConflict, err.Error())
		return
	}
	s.Events.Publish(stream.NewEvent(stream.EventFlagChanged, flag))
	httpx.WriteJSON(w, http.StatusOK, flag)
}

type emergencyDisableRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEmergencyDisable(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req emergencyDisableRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	name := chi.URLParam(r, "name")
	if err := s.Flags.EmergencyDisable(r.Context(), name, req.Reason); err != nil {
		if errors.Is(err, flags.ErrUnknownFlag) {
			httpx.Error(w, http.StatusNotFound, err.Error())
			return
		}
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Events.Publish(stream.NewEvent(stream.EventFlagChanged, map[string]interface{}{
		"name":     name,
		"disabled": true,
		"reason":   req.Reason,
	}))
	if s.Bus != nil {
		_ = s.Bus.Publish(r.Context(), "flag:"+name, map[string]string{"action": "emergency_disable", "reason": req.Reason})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "disabled", "flag": name})
}

func (s *Server) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": []interface{}{
			s.CalcBreaker.Status(r.Context()),
			s.UpdateBreaker.Status(r.Context()),
		},
	})
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	var target *breaker.Breaker
	switch name {
	case calcBreakerName:
		target = s.CalcBreaker
	case updateBreakerName:
		target = s.UpdateBreaker
	default:
		httpx.Error(w, http.StatusNotFound, "unknown breaker")
		return
	}
	target.Reset(r.Context())
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "reset", "breaker": name})
}

func (s *Server) handleSLO(w http.ResponseWriter, r *http.Request) {
	reports := s.SLO.Check()
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"objectives": reports})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
