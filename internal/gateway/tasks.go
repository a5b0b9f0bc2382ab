package gateway

import (
	"net/http"
	"strings"

	"github.com/basket/agenthost/internal/persistence"
)

// handleListTasks serves GET /api/tasks. tag may repeat or carry a
// comma-separated list; every tag must match.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var tags []string
	for _, raw := range q["tag"] {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	tasks, err := s.cfg.Tasks.ListTasks(r.Context(), persistence.TaskFilter{
		Name:    q.Get("name"),
		WorldID: q.Get("worldId"),
		Tags:    tags,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []persistence.TaskDefinition{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Tasks.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
