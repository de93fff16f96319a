package transport

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agi-run/missionctl/internal/manifest"
	"github.com/agi-run/missionctl/model"
)

// maxManifestBytes bounds the accepted manifest document size.
const maxManifestBytes = 1 << 20

func handleManifestPublish(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxManifestBytes))
		if err != nil {
			WriteError(w, model.NewBadRequestError("unreadable request body"))
			return
		}

		def, err := deps.Loader.Compile(data)
		if err != nil {
			WriteError(w, model.NewBadRequestError(err.Error()))
			return
		}
		if verrs := deps.Validator.Validate(def); verrs != nil {
			WriteValidationError(w, fieldErrors(verrs))
			return
		}

		if err := deps.Definitions.Publish(def); err != nil {
			WriteError(w, err)
			return
		}

		// ?stage= promotes the fresh draft in the same request.
		if stage := r.URL.Query().Get("stage"); stage != "" && stage != model.StageDraft {
			def, err = deps.Definitions.Promote(def.ID, def.Version, stage)
			if err != nil {
				WriteError(w, err)
				return
			}
		}

		deps.Metrics.DefinitionsPublished.Set(float64(deps.Definitions.Len()))
		WriteJSON(w, http.StatusCreated, def)
	}
}

func handleManifestDryRun(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxManifestBytes))
		if err != nil {
			WriteError(w, model.NewBadRequestError("unreadable request body"))
			return
		}

		def, err := deps.Loader.Compile(data)
		if err != nil {
			WriteError(w, model.NewBadRequestError(err.Error()))
			return
		}

		verrs := deps.Validator.Validate(def)
		report := map[string]any{
			"valid":              verrs == nil,
			"errors":             fieldErrors(verrs),
			"estimated_cost_usd": estimatedCaseCost(def),
			"node_count":         len(def.Nodes),
			"edge_count":         len(def.Edges),
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

func handleManifestPromote(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		version := chi.URLParam(r, "version")

		var body struct {
			Stage string `json:"stage"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.Stage == "" {
			WriteError(w, model.NewBadRequestError("stage is required"))
			return
		}

		def, err := deps.Definitions.Promote(id, version, body.Stage)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

// fieldErrors converts validation findings to the envelope's field errors.
func fieldErrors(verrs manifest.ValidationErrors) []model.FieldError {
	out := make([]model.FieldError, 0, len(verrs))
	for _, e := range verrs {
		out = append(out, model.FieldError{
			Field:   e.Path,
			Code:    "invalid",
			Message: e.Message,
		})
	}
	return out
}

func handleDefinitionList(defs *manifest.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"data": defs.List()})
	}
}

func handleDefinitionGet(defs *manifest.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		def, ok := defs.Resolve(id, r.URL.Query().Get("version"))
		if !ok {
			WriteError(w, model.NewNotFoundError("definition "+id+" not found"))
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

// estimatedCaseCost sums the declared per-invocation cost of every agent node,
// the worst-case single pass through the DAG.
func estimatedCaseCost(def model.WorkflowDefinition) float64 {
	total := 0.0
	for _, n := range def.Nodes {
		if n.Agent != nil {
			total += n.Agent.CostUSD
		}
	}
	return total
}
