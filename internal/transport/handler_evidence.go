package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agi-run/missionctl/internal/ledger"
)

// handleEvidenceExport returns a case's full audit trail in sequence order,
// together with its evidence citations. This is the export auditors pull.
func handleEvidenceExport(trail ledger.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseId")

		afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("after_seq"), 10, 64)
		filters := ledger.RecordFilters{
			Kind:     r.URL.Query().Get("kind"),
			NodeID:   r.URL.Query().Get("node_id"),
			AfterSeq: afterSeq,
			Limit:    queryInt(r, "limit", 0),
		}

		records, err := trail.Records(r.Context(), caseID, filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		evidence, err := trail.Evidence(r.Context(), caseID)
		if err != nil {
			WriteError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"case_id":  caseID,
			"records":  records,
			"evidence": evidence,
		})
	}
}
