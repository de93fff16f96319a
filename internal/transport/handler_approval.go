package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agi-run/missionctl/internal/gate"
	"github.com/agi-run/missionctl/model"
)

func handleApprovalList(gates *gate.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters := model.ApprovalFilters{
			Status: r.URL.Query().Get("status"),
			Type:   r.URL.Query().Get("type"),
			CaseID: r.URL.Query().Get("case_id"),
		}

		requests, err := gates.List(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": requests})
	}
}

func handleApprovalGet(gates *gate.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := gates.Get(r.Context(), chi.URLParam(r, "approvalId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleApprovalResolve(gates *gate.Controller, approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Comment string `json:"comment"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if !approve && body.Comment == "" {
			WriteError(w, model.NewBadRequestError("rejection requires a comment"))
			return
		}

		req, err := gates.Resolve(r.Context(), chi.URLParam(r, "approvalId"), approve, body.Comment)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}
