package translator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/careloop/medquery/internal/common"
	"github.com/careloop/medquery/internal/common/telemetry"
	"github.com/careloop/medquery/internal/llm"
	"github.com/careloop/medquery/internal/schema"
	"github.com/careloop/medquery/internal/sqlscan"
)

const (
	// fallbackConfidence is assigned when the model returns a bare SQL
	// string instead of the requested JSON envelope.
	fallbackConfidence = 0.5

	schemaCharBudget = 6000
)

// TranslatedQuery is the structured output of a translation attempt.
type TranslatedQuery struct {
	SQL           string   `json:"sql"`
	Tables        []string `json:"tables"`
	Columns       []string `json:"columns"`
	Confidence    float64  `json:"confidence"`
	SchemaVersion string   `json:"schema_version"`
}

// Error reports a failed translation with the model's raw output preserved
// for auditing.
type Error struct {
	Reason string
	Raw    string
}

func (e *Error) Error() string {
	return "translation failed: " + e.Reason
}

// Translator turns natural-language questions into candidate SQL using the
// configured model and the current schema snapshot.
type Translator struct {
	provider llm.Provider
}

func New(provider llm.Provider) *Translator {
	return &Translator{provider: provider}
}

// Translate asks the model for a single SELECT statement over the snapshot
// schema. It never executes anything; downstream validation is authoritative
// for safety. A table reference outside the snapshot fails here because the
// statement could not have come from the schema the model was shown.
func (t *Translator) Translate(ctx context.Context, question string, snap *schema.Snapshot) (*TranslatedQuery, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, &Error{Reason: "empty question"}
	}
	if snap == nil || len(snap.Tables) == 0 {
		return nil, &Error{Reason: "schema snapshot unavailable"}
	}

	start := time.Now()
	raw, err := t.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildUserPrompt(question, snap.RenderRelevant(question, schemaCharBudget))},
	})
	telemetry.RecordTranslation(time.Since(start))
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("model request: %v", err)}
	}

	sql, confidence, perr := parseModelOutput(raw)
	if perr != nil {
		return nil, &Error{Reason: perr.Error(), Raw: raw}
	}
	if sql == "" {
		return nil, &Error{Reason: "model declined to translate", Raw: raw}
	}

	refs := sqlscan.ExtractRefs(sql)
	for _, table := range refs.Tables {
		if !snap.HasTable(table) {
			return nil, &Error{
				Reason: fmt.Sprintf("statement references table %q not present in schema", table),
				Raw:    raw,
			}
		}
	}

	common.Logger().Debug("translator: produced candidate",
		"tables", refs.Tables, "confidence", confidence)
	return &TranslatedQuery{
		SQL:           sql,
		Tables:        refs.Tables,
		Columns:       refs.Columns,
		Confidence:    confidence,
		SchemaVersion: snap.Version,
	}, nil
}

// parseModelOutput handles the JSON envelope, markdown fences, and the bare
// SQL that smaller models occasionally emit despite instructions.
func parseModelOutput(raw string) (string, float64, error) {
	text := stripFences(strings.TrimSpace(raw))
	if text == "" {
		return "", 0, fmt.Errorf("empty model output")
	}
	if strings.HasPrefix(text, "{") {
		var envelope struct {
			SQL        string  `json:"sql"`
			Confidence float64 `json:"confidence"`
		}
		if err := json.Unmarshal([]byte(text), &envelope); err != nil {
			return "", 0, fmt.Errorf("malformed JSON envelope: %w", err)
		}
		return normalizeSQL(envelope.SQL), clampConfidence(envelope.Confidence), nil
	}
	// Bare SQL fallback.
	return normalizeSQL(text), fallbackConfidence, nil
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if idx := strings.Index(text, "\n"); idx >= 0 {
		text = text[idx+1:]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

func normalizeSQL(sql string) string {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")
	return strings.TrimSpace(sql)
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
