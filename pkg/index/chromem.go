package index

import (
	"context"
	"strconv"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/philippgille/chromem-go"
)

const chromemCollection = "memories"

// Chromem keeps vectors in a chromem-go database, persisted under a local
// directory when one is given.
type Chromem struct {
	col *chromem.Collection
}

// NewChromem opens a persistent database at dir, or an in-memory one when
// dir is empty.
func NewChromem(dir string) (*Chromem, error) {
	db := chromem.NewDB()
	if dir != "" {
		var err error
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open chromem db", goerr.V("dir", dir))
		}
	}

	// embeddings are always supplied by the caller, so no embedding func
	col, err := db.GetOrCreateCollection(chromemCollection, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open chromem collection")
	}
	return &Chromem{col: col}, nil
}

func chromemID(id model.MemoryID) string {
	return strconv.FormatInt(int64(id), 10)
}

func (c *Chromem) Upsert(ctx context.Context, entry *Entry) error {
	// AddDocument replaces a document with the same id
	err := c.col.AddDocument(ctx, chromem.Document{
		ID:        chromemID(entry.ID),
		Embedding: entry.Vector,
		Metadata:  map[string]string{"digest": entry.Digest},
		Content:   chromemID(entry.ID),
	})
	if err != nil {
		return goerr.Wrap(err, "failed to add chromem document", goerr.V("id", entry.ID))
	}
	return nil
}

func (c *Chromem) Remove(ctx context.Context, id model.MemoryID) error {
	if _, err := c.col.GetByID(ctx, chromemID(id)); err != nil {
		return nil
	}
	if err := c.col.Delete(ctx, nil, nil, chromemID(id)); err != nil {
		return goerr.Wrap(err, "failed to delete chromem document", goerr.V("id", id))
	}
	return nil
}

func (c *Chromem) Search(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	// chromem picks an arbitrary subset among equal scores at the cut-off, so
	// rank the whole collection and cut after the id tie-break
	n := c.col.Count()
	if n == 0 || k <= 0 {
		return nil, nil
	}

	results, err := c.col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query chromem", goerr.V("k", k))
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			return nil, goerr.Wrap(err, "invalid chromem document id", goerr.V("id", r.ID))
		}
		hits = append(hits, Hit{ID: model.MemoryID(id), Score: float64(r.Similarity)})
	}

	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (c *Chromem) Digest(ctx context.Context, id model.MemoryID) (string, bool, error) {
	doc, err := c.col.GetByID(ctx, chromemID(id))
	if err != nil {
		// the only failure for a well-formed id is a missing document
		return "", false, nil
	}
	return doc.Metadata["digest"], true, nil
}
