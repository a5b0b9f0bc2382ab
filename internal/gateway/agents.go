package gateway

import (
	"net/http"

	"github.com/basket/agenthost/internal/agent"
)

type agentSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	views, err := s.cfg.Agents.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]agentSummary, 0, len(views))
	for _, v := range views {
		out = append(out, agentSummary{ID: v.ID, Name: v.Name, Status: v.Status})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeObject(r, "gateway.create_agent")
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := s.cfg.Agents.Create(r.Context(), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	view, err := s.cfg.Agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	patch, err := decodeObject(r, "gateway.update_agent")
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := s.cfg.Agents.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := s.cfg.Agents.Delete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if result == agent.DeleteAccepted {
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(result)})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := s.cfg.Agents.Start(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": status})
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	status, err := s.cfg.Agents.Stop(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
