// Package retriever finds clinical note passages relevant to a question by
// embedding the question and searching the vector index. It runs alongside
// statement execution and its failures degrade the response rather than
// fail it.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/careloop/medquery/internal/common"
	"github.com/careloop/medquery/internal/common/telemetry"
	"github.com/careloop/medquery/internal/llm"
	"github.com/careloop/medquery/internal/vector"
)

// ErrIndexUnavailable reports that the vector index could not be reached.
var ErrIndexUnavailable = errors.New("note index unavailable")

// Match is one retrieved note passage with its provenance and similarity.
type Match struct {
	ChunkID   string  `json:"chunk_id"`
	NoteID    int64   `json:"note_id"`
	SubjectID int64   `json:"subject_id"`
	NoteType  string  `json:"note_type"`
	Content   string  `json:"content"`
	Score     float32 `json:"score"`
}

// Result carries the matches for one question plus an optional model-written
// narrative summary.
type Result struct {
	Matches   []Match `json:"matches"`
	Narrative string  `json:"narrative,omitempty"`
}

// Config bounds retrieval. MinSimilarity drops weak matches; an empty result
// under the floor is a valid outcome, not an error.
type Config struct {
	TopK          int
	MinSimilarity float32
	CacheSize     int
	Narrate       bool
}

func (c *Config) applyDefaults() {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.MinSimilarity < 0 {
		c.MinSimilarity = 0
	}
}

// Retriever searches the note index for a question's nearest chunks.
type Retriever struct {
	provider llm.Provider
	store    vector.Store
	cfg      Config
	cache    *resultCache
}

func New(provider llm.Provider, store vector.Store, cfg Config) *Retriever {
	cfg.applyDefaults()
	return &Retriever{
		provider: provider,
		store:    store,
		cfg:      cfg,
		cache:    newResultCache(cfg.CacheSize),
	}
}

// Retrieve returns up to TopK matches above the similarity floor, sorted by
// descending score. An unreachable index returns ErrIndexUnavailable; an
// empty match list is success.
func (r *Retriever) Retrieve(ctx context.Context, question string) (*Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return &Result{}, nil
	}
	key := strings.ToLower(question)
	if cached, ok := r.cache.Get(key); ok {
		telemetry.RecordRetrieval(true, 0)
		return cached, nil
	}

	if r.store == nil || !r.store.Available() {
		return nil, ErrIndexUnavailable
	}

	start := time.Now()
	vectors, err := r.provider.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("embed question: empty vector")
	}

	hits, err := r.store.Search(ctx, vectors[0], r.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	matches := make([]Match, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < r.cfg.MinSimilarity {
			continue
		}
		matches = append(matches, matchFromHit(hit))
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > r.cfg.TopK {
		matches = matches[:r.cfg.TopK]
	}

	result := &Result{Matches: matches}
	if r.cfg.Narrate && len(matches) > 0 {
		// Narrative is advisory; retrieval succeeds without it.
		if narrative, err := r.narrate(ctx, question, matches); err != nil {
			common.Logger().Warn("retriever: narrative generation failed", "error", err)
		} else {
			result.Narrative = narrative
		}
	}

	telemetry.RecordRetrieval(false, time.Since(start))
	r.cache.Set(key, result)
	return result, nil
}

// Purge drops cached results, used after reindexing.
func (r *Retriever) Purge() {
	r.cache.Purge()
}

func (r *Retriever) narrate(ctx context.Context, question string, matches []Match) (string, error) {
	var b strings.Builder
	b.WriteString("Summarize how the following clinical note excerpts relate to the question. ")
	b.WriteString("Be brief and cite note types.\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n\nExcerpts:\n")
	for i, m := range matches {
		fmt.Fprintf(&b, "%d. [%s, patient %d] %s\n", i+1, m.NoteType, m.SubjectID, m.Content)
	}
	return r.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: "You summarize clinical note excerpts for clinicians. Do not invent facts."},
		{Role: "user", Content: b.String()},
	})
}

func matchFromHit(hit vector.SearchResult) Match {
	match := Match{ChunkID: hit.ID, Score: hit.Score}
	if v, ok := hit.Payload["content"].(string); ok {
		match.Content = v
	}
	if v, ok := hit.Payload["note_type"].(string); ok {
		match.NoteType = v
	}
	match.NoteID = asInt64(hit.Payload["note_id"])
	match.SubjectID = asInt64(hit.Payload["subject_id"])
	return match
}

// asInt64 tolerates the numeric types JSON decoding produces.
func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	default:
		return 0
	}
}
