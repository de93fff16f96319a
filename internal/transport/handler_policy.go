package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agi-run/missionctl/internal/policy"
	"github.com/agi-run/missionctl/model"
)

func handlePolicyList(engine *policy.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"data": engine.Rules().List()})
	}
}

func handlePolicyGet(engine *policy.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule, err := engine.Rules().Get(chi.URLParam(r, "ruleId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rule)
	}
}

func handlePolicyPatch(engine *policy.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch model.PolicyPatch
		if err := decodeJSON(r, &patch); err != nil {
			WriteError(w, err)
			return
		}

		rule, err := engine.Rules().Patch(chi.URLParam(r, "ruleId"), patch)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rule)
	}
}
