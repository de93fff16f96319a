package transport

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agi-run/missionctl/internal/node"
	"github.com/agi-run/missionctl/model"
)

func handleServiceList(agents *node.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"data": agents.Services()})
	}
}

func handleServiceGet(agents *node.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "serviceName")
		info, ok := agents.Lookup(name)
		if !ok {
			WriteError(w, model.NewNotFoundError(fmt.Sprintf("agent service %q not found", name)))
			return
		}
		WriteJSON(w, http.StatusOK, info)
	}
}
