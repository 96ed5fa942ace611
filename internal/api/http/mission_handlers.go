package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mission-sync/mission-sync/internal/application/coordinator"
	"github.com/mission-sync/mission-sync/internal/domain/mission"
)

type startMissionRequest struct {
	MissionFile string `json:"missionFile"`
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"connections": s.lobbySvc.Connections()})
}

func (s *Server) getConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connectionId")
	view, err := s.lobbySvc.Connection(id)
	if err != nil {
		respondMissionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) startMission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connectionId")
	var req startMissionRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	seq, err := s.lobbySvc.StartMission(contextFromRequest(r), id, req.MissionFile)
	if err != nil {
		respondMissionError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"connectionId": id, "sequence": seq})
}

func (s *Server) endMission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connectionId")
	if err := s.lobbySvc.EndMission(contextFromRequest(r), id); err != nil {
		respondMissionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"connectionId": id, "status": "ENDED"})
}

func (s *Server) cycleMission(w http.ResponseWriter, r *http.Request) {
	var req startMissionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	started, err := s.lobbySvc.CycleMission(contextFromRequest(r), req.MissionFile)
	if errors.Is(err, mission.ErrEmptyMissionFile) {
		respondMissionError(w, err)
		return
	}
	resp := map[string]interface{}{"missionFile": req.MissionFile, "started": started}
	if err != nil {
		resp["errors"] = err.Error()
	}
	respondJSON(w, http.StatusAccepted, resp)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	var connID *string
	if v := r.URL.Query().Get("connection_id"); v != "" {
		connID = &v
	}
	limit, offset := parseLimitOffset(r, 100, 200)
	runs, err := s.lobbySvc.Runs(contextFromRequest(r), connID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func respondMissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrConnectionNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, mission.ErrAlreadyRunning), errors.Is(err, mission.ErrNotRunning):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, mission.ErrEmptyMissionFile):
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) sseEndpoint(w http.ResponseWriter, r *http.Request) {
	subscriberID := r.URL.Query().Get("subscriber_id")
	if subscriberID == "" {
		subscriberID = uuid.New().String()
	}
	var connPtr *string
	if connID := r.URL.Query().Get("connection_id"); connID != "" {
		connPtr = &connID
	}
	sub := mission.NewSubscriber(subscriberID, connPtr)
	s.sseHub.Register(sub)
	defer s.sseHub.Unregister(subscriberID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case evt, open := <-sub.MessageChan:
			if !open {
				return
			}
			payload, _ := json.Marshal(evt)
			_, _ = w.Write([]byte("event: " + string(evt.Type) + "\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
