package notes

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/careloop/medquery/internal/llm"
	"github.com/careloop/medquery/internal/vector"
	"github.com/careloop/medquery/internal/warehouse"
)

func TestChunkNoteRespectsWindowAndOverlap(t *testing.T) {
	words := make([]string, 300)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	note := Note{ID: 42, SubjectID: 7, NoteType: "Progress note", Content: strings.Join(words, " ")}

	chunks := ChunkNote(note)
	if len(chunks) < 3 {
		t.Fatalf("expected at least 3 chunks for 300 words, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.ID != fmt.Sprintf("note-42:%d", i) {
			t.Fatalf("chunk %d id = %q", i, chunk.ID)
		}
		if chunk.SubjectID != 7 || chunk.NoteType != "Progress note" {
			t.Fatalf("chunk %d lost provenance: %+v", i, chunk)
		}
		n := len(strings.Fields(chunk.Content))
		if n > chunkWords {
			t.Fatalf("chunk %d has %d words, cap is %d", i, n, chunkWords)
		}
	}

	// Consecutive chunks share the overlap window.
	first := strings.Fields(chunks[0].Content)
	second := strings.Fields(chunks[1].Content)
	if first[len(first)-chunkOverlap] != second[0] {
		t.Fatalf("overlap mismatch: %q vs %q", first[len(first)-chunkOverlap], second[0])
	}
}

func TestChunkNoteEmptyContent(t *testing.T) {
	if chunks := ChunkNote(Note{ID: 1, Content: "   "}); chunks != nil {
		t.Fatalf("empty note produced chunks: %v", chunks)
	}
}

type recordingStore struct {
	available bool
	docs      []vector.Document
}

func (r *recordingStore) Available() bool     { return r.available }
func (r *recordingStore) Collection() string  { return "test" }
func (r *recordingStore) EnsureCollection(ctx context.Context, dim int) error {
	if !r.available {
		return errors.New("unavailable")
	}
	return nil
}

func (r *recordingStore) Upsert(ctx context.Context, docs []vector.Document, vectors [][]float32) error {
	if !r.available {
		return errors.New("unavailable")
	}
	r.docs = append(r.docs, docs...)
	return nil
}

func (r *recordingStore) Search(ctx context.Context, vec []float32, limit int) ([]vector.SearchResult, error) {
	return nil, nil
}

type embedOnlyProvider struct{}

func (embedOnlyProvider) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	return "", errors.New("not implemented")
}

func (embedOnlyProvider) Embed(ctx context.Context, input []string) ([][]float32, error) {
	out := make([][]float32, len(input))
	for i := range input {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

func (embedOnlyProvider) Name() string { return "embed-only" }

func testService(t *testing.T, store vector.Store) *Service {
	t.Helper()
	wh, err := warehouse.Open(filepath.Join(t.TempDir(), "warehouse.db"))
	if err != nil {
		t.Fatalf("open warehouse: %v", err)
	}
	t.Cleanup(func() { wh.Close() })
	if _, err := wh.DB().Exec(`INSERT INTO patients (subject_id, gender, anchor_age, anchor_year) VALUES (7, 'F', 61, 2019)`); err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	return NewService(wh.DB(), embedOnlyProvider{}, store)
}

func TestIngestStoresAndIndexes(t *testing.T) {
	store := &recordingStore{available: true}
	svc := testService(t, store)

	note, indexed, err := svc.Ingest(context.Background(), Note{
		SubjectID: 7,
		NoteType:  "Discharge summary",
		Content:   "Patient started on metformin for newly diagnosed type 2 diabetes.",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if note.ID == 0 {
		t.Fatal("note id must be assigned")
	}
	if !indexed {
		t.Fatal("note should have been indexed")
	}
	if len(store.docs) == 0 {
		t.Fatal("no chunks reached the vector store")
	}
	if store.docs[0].Metadata["subject_id"] != int64(7) {
		t.Fatalf("chunk metadata subject_id = %v", store.docs[0].Metadata["subject_id"])
	}

	list, err := svc.ForPatient(context.Background(), 7, 10)
	if err != nil {
		t.Fatalf("for patient: %v", err)
	}
	if len(list) != 1 || list[0].ID != note.ID {
		t.Fatalf("stored note not found: %+v", list)
	}
}

func TestIngestSurvivesIndexOutage(t *testing.T) {
	store := &recordingStore{available: false}
	svc := testService(t, store)

	note, indexed, err := svc.Ingest(context.Background(), Note{
		SubjectID: 7,
		Content:   "Short observation.",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if indexed {
		t.Fatal("indexing cannot succeed while the store is down")
	}
	if note.NoteType != "General" {
		t.Fatalf("default note type = %q", note.NoteType)
	}

	list, err := svc.ForPatient(context.Background(), 7, 10)
	if err != nil {
		t.Fatalf("for patient: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("note must be stored despite index outage, got %d", len(list))
	}
}

func TestIngestValidation(t *testing.T) {
	svc := testService(t, &recordingStore{available: true})
	if _, _, err := svc.Ingest(context.Background(), Note{SubjectID: 7}); err == nil {
		t.Fatal("empty content must be rejected")
	}
	if _, _, err := svc.Ingest(context.Background(), Note{Content: "text"}); err == nil {
		t.Fatal("missing subject must be rejected")
	}
}
