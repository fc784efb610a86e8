package notes

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/careloop/medquery/internal/common"
	"github.com/careloop/medquery/internal/llm"
	"github.com/careloop/medquery/internal/vector"
)

// Service persists notes in the warehouse and mirrors their chunks into the
// vector index. Indexing is best effort: a note is never lost because the
// index was unreachable.
type Service struct {
	db       *sqlx.DB
	provider llm.Provider
	store    vector.Store
}

func NewService(db *sqlx.DB, provider llm.Provider, store vector.Store) *Service {
	return &Service{db: db, provider: provider, store: store}
}

// Ingest stores the note and indexes its chunks. The returned note carries
// the assigned ID; indexed reports whether embeddings reached the vector
// store. A note is never rejected because the index was unreachable.
func (s *Service) Ingest(ctx context.Context, note Note) (Note, bool, error) {
	note.NoteType = strings.TrimSpace(note.NoteType)
	if note.NoteType == "" {
		note.NoteType = "General"
	}
	if strings.TrimSpace(note.Content) == "" {
		return Note{}, false, fmt.Errorf("note content is empty")
	}
	if note.SubjectID <= 0 {
		return Note{}, false, fmt.Errorf("note requires a subject_id")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO clinical_notes (subject_id, hadm_id, note_type, content, author)
                 VALUES (?, ?, ?, ?, ?)`,
		note.SubjectID, note.HadmID, note.NoteType, note.Content, note.Author)
	if err != nil {
		return Note{}, false, fmt.Errorf("store note: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Note{}, false, fmt.Errorf("note id: %w", err)
	}
	note.ID = id

	if err := s.Index(ctx, note); err != nil {
		common.Logger().Warn("notes: indexing failed, note stored without embeddings",
			"note_id", note.ID, "error", err)
		return note, false, nil
	}
	return note, true, nil
}

// Index chunks and embeds one note into the vector store.
func (s *Service) Index(ctx context.Context, note Note) error {
	if s.store == nil || !s.store.Available() {
		return fmt.Errorf("vector store unavailable")
	}
	chunks := ChunkNote(note)
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}
	vectors, err := s.provider.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed note chunks: %w", err)
	}
	if err := s.store.EnsureCollection(ctx, vector.Dimension(vectors)); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}
	docs := make([]vector.Document, len(chunks))
	for i, chunk := range chunks {
		docs[i] = vector.Document{
			ID:      chunk.ID,
			Content: chunk.Content,
			Metadata: map[string]interface{}{
				"note_id":    chunk.NoteID,
				"subject_id": chunk.SubjectID,
				"note_type":  chunk.NoteType,
				"seq":        chunk.Seq,
			},
		}
	}
	if err := s.store.Upsert(ctx, docs, vectors); err != nil {
		return fmt.Errorf("upsert note chunks: %w", err)
	}
	return nil
}

// ForPatient returns the stored notes for one patient, newest first.
func (s *Service) ForPatient(ctx context.Context, subjectID int64, limit int) ([]Note, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []Note
	err := s.db.SelectContext(ctx, &out,
		`SELECT note_id, subject_id, hadm_id, note_type, content, author, created_at
                 FROM clinical_notes WHERE subject_id = ? ORDER BY created_at DESC, note_id DESC LIMIT ?`,
		subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("load notes: %w", err)
	}
	return out, nil
}

// ReindexAll re-embeds every stored note, used after a collection rebuild.
func (s *Service) ReindexAll(ctx context.Context) (int, error) {
	var all []Note
	err := s.db.SelectContext(ctx, &all,
		`SELECT note_id, subject_id, hadm_id, note_type, content, author, created_at
                 FROM clinical_notes ORDER BY note_id`)
	if err != nil {
		return 0, fmt.Errorf("load notes: %w", err)
	}
	indexed := 0
	for _, note := range all {
		if err := s.Index(ctx, note); err != nil {
			return indexed, err
		}
		indexed++
	}
	return indexed, nil
}
