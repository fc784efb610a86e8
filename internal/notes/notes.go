// Package notes manages clinical note storage, chunking, and embedding so
// the retrieval path can search note content alongside structured queries.
package notes

import (
	"fmt"
	"strings"
	"time"
)

// Note is a free-text clinical document tied to a patient and, optionally,
// an admission.
type Note struct {
	ID        int64     `db:"note_id" json:"note_id"`
	SubjectID int64     `db:"subject_id" json:"subject_id"`
	HadmID    *int64    `db:"hadm_id" json:"hadm_id,omitempty"`
	NoteType  string    `db:"note_type" json:"note_type"`
	Content   string    `db:"content" json:"content"`
	Author    *string   `db:"author" json:"author,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Chunk is one indexable slice of a note. Provenance fields travel with the
// chunk into the vector store so retrieval results can cite their source.
type Chunk struct {
	ID        string `json:"id"`
	NoteID    int64  `json:"note_id"`
	SubjectID int64  `json:"subject_id"`
	NoteType  string `json:"note_type"`
	Seq       int    `json:"seq"`
	Content   string `json:"content"`
}

// chunkWords is the target chunk size; chunkOverlap carries trailing words
// into the next chunk so sentences split at a boundary stay findable.
const (
	chunkWords   = 120
	chunkOverlap = 20
)

// ChunkNote splits a note's content into word-window chunks.
func ChunkNote(note Note) []Chunk {
	words := strings.Fields(note.Content)
	if len(words) == 0 {
		return nil
	}
	var chunks []Chunk
	seq := 0
	step := chunkWords - chunkOverlap
	for start := 0; start < len(words); start += step {
		end := start + chunkWords
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, Chunk{
			ID:        buildChunkID(note.ID, seq),
			NoteID:    note.ID,
			SubjectID: note.SubjectID,
			NoteType:  note.NoteType,
			Seq:       seq,
			Content:   strings.Join(words[start:end], " "),
		})
		seq++
		if end == len(words) {
			break
		}
	}
	return chunks
}

func buildChunkID(noteID int64, seq int) string {
	return fmt.Sprintf("note-%d:%d", noteID, seq)
}
