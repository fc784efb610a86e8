package api

import (
	"fmt"
	"net/http"
)

type diagnosisCount struct {
	ICDCode string `db:"icd_code" json:"icd_code"`
	Count   int64  `db:"n" json:"count"`
}

// handleAnalyticsStats reports warehouse-wide aggregates for the dashboard.
func (s *Server) handleAnalyticsStats(w http.ResponseWriter, r *http.Request) {
	if _, err := identityFromRequest(r); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := r.Context()

	counts := map[string]int64{}
	for _, table := range []string{"patients", "admissions", "diagnoses_icd", "labevents", "prescriptions", "clinical_notes"} {
		var n int64
		if err := s.db.GetContext(ctx, &n, fmt.Sprintf("SELECT COUNT(*) FROM %q", table)); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("count %s: %w", table, err))
			return
		}
		counts[table] = n
	}

	gender := map[string]int64{}
	rows, err := s.db.QueryxContext(ctx, `SELECT gender, COUNT(*) FROM patients GROUP BY gender`)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("gender distribution: %w", err))
		return
	}
	defer rows.Close()
	for rows.Next() {
		var g string
		var n int64
		if err := rows.Scan(&g, &n); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("scan gender: %w", err))
			return
		}
		gender[g] = n
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("gender distribution: %w", err))
		return
	}

	var avgAge float64
	if err := s.db.GetContext(ctx, &avgAge, `SELECT COALESCE(AVG(anchor_age), 0) FROM patients`); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("average age: %w", err))
		return
	}

	var topDiagnoses []diagnosisCount
	if err := s.db.SelectContext(ctx, &topDiagnoses,
		`SELECT icd_code, COUNT(*) AS n FROM diagnoses_icd GROUP BY icd_code ORDER BY n DESC, icd_code LIMIT 10`); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("top diagnoses: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"row_counts":          counts,
		"gender_distribution": gender,
		"average_anchor_age":  avgAge,
		"top_diagnoses":       topDiagnoses,
	})
}
