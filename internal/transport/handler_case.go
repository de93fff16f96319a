package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agi-run/missionctl/internal/scheduler"
	"github.com/agi-run/missionctl/model"
)

func handleCaseStart(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			DefinitionID string         `json:"definition_id"`
			Version      string         `json:"version"`
			Trigger      string         `json:"trigger"`
			Input        map[string]any `json:"input"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.DefinitionID == "" {
			WriteError(w, model.NewBadRequestError("definition_id is required"))
			return
		}
		if body.Trigger == "" {
			body.Trigger = model.TriggerManual
		}

		c, err := sched.StartCase(r.Context(), body.DefinitionID, body.Version, body.Trigger, body.Input)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, c)
	}
}

func handleCaseList(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters := model.CaseFilters{
			DefinitionID: r.URL.Query().Get("definition_id"),
			Status:       r.URL.Query().Get("status"),
			Page:         queryInt(r, "page", 1),
			PageSize:     queryInt(r, "page_size", 20),
		}

		summaries, err := sched.List(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":      summaries,
			"page":      filters.Page,
			"page_size": filters.PageSize,
		})
	}
}

func handleCaseGet(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := sched.Get(r.Context(), chi.URLParam(r, "caseId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

func handleCasePause(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := sched.Pause(r.Context(), chi.URLParam(r, "caseId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

func handleCaseResume(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := sched.Resume(r.Context(), chi.URLParam(r, "caseId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

func handleCaseKill(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		c, err := sched.Kill(r.Context(), chi.URLParam(r, "caseId"), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

// queryInt parses an integer query parameter, falling back on absence or junk.
func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
