// Package chromem persists episodes in a chromem-go database, an embedded
// pure Go vector store that can live in memory or in a directory.
package chromem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"github.com/becomeliminal/nim-memory/core"
)

// DefaultCollection is the collection used when Options.Collection is empty.
const DefaultCollection = "episodes"

// Options configures a ChromemStore.
type Options struct {
	// Path of the database directory. Empty keeps everything in memory.
	Path string

	// Compress gzips the persisted documents.
	Compress bool

	Collection string

	// Dimensions of the stored embeddings. Zero learns it from the first
	// persisted embedding, but LoadAll on a reopened database needs it.
	Dimensions int

	Logger zerolog.Logger
}

// ChromemStore is a write-through memory.Store on chromem-go. Each episode is
// one document keyed by its id with the JSON record as content. Episodes
// without an embedding are stored under a placeholder vector.
type ChromemStore struct {
	db   *chromem.DB
	col  *chromem.Collection
	dims int
	mu   sync.Mutex
	log  zerolog.Logger
}

// New opens or creates the store.
func New(opts Options) (*ChromemStore, error) {
	db := chromem.NewDB()
	if opts.Path != "" {
		var err error
		db, err = chromem.NewPersistentDB(opts.Path, opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}
	name := opts.Collection
	if name == "" {
		name = DefaultCollection
	}

	col, err := db.GetOrCreateCollection(
		name,
		nil, // No collection metadata
		nil, // No embedding func (embeddings are always provided)
	)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	s := &ChromemStore{
		db:   db,
		col:  col,
		dims: opts.Dimensions,
		log:  opts.Logger.With().Str("component", "chromem_store").Logger(),
	}
	s.log.Debug().Str("path", opts.Path).Str("collection", name).Int("documents", col.Count()).Msg("opened")
	return s, nil
}

// Persist upserts the episode document.
func (s *ChromemStore) Persist(ctx context.Context, ep *core.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dims == 0 {
		s.dims = len(ep.Embedding)
	}
	vec := ep.Embedding
	if len(vec) == 0 {
		if s.dims == 0 {
			return errors.New("chromem: dimensions unknown, cannot store an episode without embedding")
		}
		vec = basis(s.dims)
	}

	payload, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("marshal episode: %w", err)
	}
	doc := chromem.Document{
		ID:        ep.ID.String(),
		Content:   string(payload),
		Embedding: append([]float32(nil), vec...),
		Metadata: map[string]string{
			"state":    ep.State.String(),
			"sequence": strconv.FormatUint(ep.Sequence, 10),
		},
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document %s: %w", ep.ID, err)
	}
	return nil
}

// LoadAll returns every stored episode.
func (s *ChromemStore) LoadAll(ctx context.Context) ([]*core.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.col.Count()
	if n == 0 {
		return nil, nil
	}
	if s.dims == 0 {
		return nil, errors.New("chromem: Options.Dimensions is required to load a non-empty collection")
	}

	// chromem-go can only enumerate through a similarity query; asking for
	// every document returns them all.
	results, err := s.col.QueryEmbedding(ctx, basis(s.dims), n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	episodes := make([]*core.Episode, 0, len(results))
	for i, r := range results {
		var ep core.Episode
		if err := json.Unmarshal([]byte(r.Content), &ep); err != nil {
			s.log.Warn().Err(err).Int("result", i).Str("document_id", r.ID).Msg("skipping undecodable document")
			continue
		}
		episodes = append(episodes, &ep)
	}
	s.log.Debug().Int("documents", n).Int("episodes", len(episodes)).Msg("loaded")
	return episodes, nil
}

// Close releases resources. Persistent documents are written on every add,
// so there is nothing to flush.
func (s *ChromemStore) Close() error {
	return nil
}

// basis returns the unit vector along the first axis.
func basis(dims int) []float32 {
	v := make([]float32, dims)
	v[0] = 1
	return v
}
