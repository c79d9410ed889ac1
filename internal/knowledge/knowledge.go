// Package knowledge stores free-form operator notes in a chromem-go
// collection and retrieves the ones most similar to a query. The context
// assembler consults it as an optional section source; the server exposes
// it directly for note capture and ad-hoc search.
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	apperrors "loom/internal/errors"
	"loom/internal/logging"
)

const (
	defaultCollection    = "notes"
	defaultTopK          = 5
	defaultMinSimilarity = 0.3

	metaCreatedAt = "created_at"
)

// Config holds notes store settings.
type Config struct {
	// Path is the directory for the persistent store. Empty keeps notes in
	// memory only.
	Path string
	// Collection names the chromem collection (default "notes").
	Collection string
	// TopK is the default result count when a search does not specify one.
	TopK int
	// MinSimilarity drops results scoring below it. Zero uses the default.
	MinSimilarity float64
}

func (c Config) withDefaults() Config {
	if c.Collection == "" {
		c.Collection = defaultCollection
	}
	if c.TopK <= 0 {
		c.TopK = defaultTopK
	}
	if c.MinSimilarity == 0 {
		c.MinSimilarity = defaultMinSimilarity
	}
	return c
}

// Embedder produces one vector per text. *embedding.Service satisfies it.
type Embedder interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Note is a stored piece of operator knowledge.
type Note struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Tags      map[string]string `json:"tags,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Result pairs a note with its similarity to the query.
type Result struct {
	Note       Note    `json:"note"`
	Similarity float64 `json:"similarity"`
}

// Store wraps a chromem collection of notes.
type Store struct {
	collection *chromem.Collection
	cfg        Config
	logger     logging.Logger
}

// NewStore opens (or creates) the notes collection. The embedder vectorizes
// both stored notes and incoming queries, so search hits the embedding cache
// like every other caller.
func NewStore(cfg Config, embedder Embedder) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("knowledge: embedder is required")
	}
	cfg = cfg.withDefaults()

	var db *chromem.DB
	var err error
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, fmt.Errorf("knowledge: open persistent store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.GetEmbedding(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open collection %q: %w", cfg.Collection, err)
	}

	return &Store{
		collection: collection,
		cfg:        cfg,
		logger:     logging.NewComponentLogger("knowledge"),
	}, nil
}

// AddNote embeds and stores one note. Tags become metadata on the stored
// document and round-trip through Search.
func (s *Store) AddNote(ctx context.Context, content string, tags map[string]string) (Note, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Note{}, apperrors.New(apperrors.CodeInvalidArgument, "Cannot store an empty note.")
	}

	note := Note{
		ID:        uuid.NewString(),
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	metadata := make(map[string]string, len(tags)+1)
	for key, value := range tags {
		if key == metaCreatedAt {
			continue
		}
		metadata[key] = value
	}
	if len(metadata) > 0 {
		note.Tags = metadata
	}
	stored := make(map[string]string, len(metadata)+1)
	for key, value := range metadata {
		stored[key] = value
	}
	stored[metaCreatedAt] = note.CreatedAt.Format(time.RFC3339)

	err := s.collection.AddDocument(ctx, chromem.Document{
		ID:       note.ID,
		Content:  note.Content,
		Metadata: stored,
	})
	if err != nil {
		return Note{}, apperrors.Wrap(err, apperrors.CodeMemoryProvider, "store note")
	}
	s.logger.Debug("stored note %s (%d chars)", note.ID, len(note.Content))
	return note, nil
}

// Search returns up to k notes ranked by similarity to the query, most
// similar first. k <= 0 uses the configured default.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "Cannot search notes with an empty query.")
	}
	if k <= 0 {
		k = s.cfg.TopK
	}

	// chromem rejects result counts above the collection size.
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	raw, err := s.collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeMemoryProvider, "query notes")
	}

	results := make([]Result, 0, len(raw))
	for _, r := range raw {
		similarity := float64(r.Similarity)
		if similarity < s.cfg.MinSimilarity {
			continue
		}
		results = append(results, Result{
			Note:       noteFromStored(r.ID, r.Content, r.Metadata),
			Similarity: similarity,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Note.ID < results[j].Note.ID
	})
	return results, nil
}

// DeleteNote removes one note by id.
func (s *Store) DeleteNote(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
		return apperrors.Wrap(err, apperrors.CodeMemoryProvider, "delete note").WithContext("note_id", id)
	}
	return nil
}

// Count returns the stored note count.
func (s *Store) Count() int {
	return s.collection.Count()
}

func noteFromStored(id, content string, metadata map[string]string) Note {
	note := Note{ID: id, Content: content}
	if raw, ok := metadata[metaCreatedAt]; ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			note.CreatedAt = ts
		}
	}
	tags := make(map[string]string, len(metadata))
	for key, value := range metadata {
		if key == metaCreatedAt {
			continue
		}
		tags[key] = value
	}
	if len(tags) > 0 {
		note.Tags = tags
	}
	return note
}

// FormatResults renders search results as a bulleted digest for inclusion in
// an assembled context section.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, result := range results {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fmt.Sprintf("- (%.2f) %s", result.Similarity, strings.TrimSpace(result.Note.Content)))
	}
	return sb.String()
}
