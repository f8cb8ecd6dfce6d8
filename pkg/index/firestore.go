package index

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	firestoreVectorField   = "embedding"
	firestoreDistanceField = "vector_distance"
	// FindNearest rejects larger limits
	firestoreMaxLimit = 1000
)

// Firestore keeps vectors in a Firestore collection and searches with
// FindNearest. The collection needs a vector index on "embedding".
type Firestore struct {
	client     *firestore.Client
	collection string
}

type vectorDoc struct {
	ID        int64              `firestore:"id"`
	Digest    string             `firestore:"digest"`
	Embedding firestore.Vector32 `firestore:"embedding"`
}

func NewFirestore(client *firestore.Client, collection string) *Firestore {
	return &Firestore{client: client, collection: collection}
}

func (f *Firestore) doc(id model.MemoryID) *firestore.DocumentRef {
	return f.client.Collection(f.collection).Doc(fmt.Sprintf("%020d", id))
}

func (f *Firestore) Upsert(ctx context.Context, entry *Entry) error {
	_, err := f.doc(entry.ID).Set(ctx, &vectorDoc{
		ID:        int64(entry.ID),
		Digest:    entry.Digest,
		Embedding: firestore.Vector32(entry.Vector),
	})
	if err != nil {
		return goerr.Wrap(err, "failed to store vector", goerr.V("id", entry.ID))
	}
	return nil
}

func (f *Firestore) Remove(ctx context.Context, id model.MemoryID) error {
	// deleting a missing document succeeds
	if _, err := f.doc(id).Delete(ctx); err != nil {
		return goerr.Wrap(err, "failed to delete vector", goerr.V("id", id))
	}
	return nil
}

// Search widens the query until every document scoring equal to the k-th hit
// is fetched, so the id tie-break sees all of them. Results past
// firestoreMaxLimit are not considered.
func (f *Firestore) Search(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	k = min(k, firestoreMaxLimit)
	if k <= 0 {
		return nil, nil
	}

	limit := min(k+1, firestoreMaxLimit)
	for {
		hits, err := f.nearest(ctx, vector, limit)
		if err != nil {
			return nil, err
		}

		exhausted := len(hits) < limit || limit == firestoreMaxLimit
		if exhausted || len(hits) <= k || hits[len(hits)-1].Score != hits[k-1].Score {
			SortHits(hits)
			if len(hits) > k {
				hits = hits[:k]
			}
			return hits, nil
		}
		limit = min(limit*2, firestoreMaxLimit)
	}
}

// nearest returns up to limit hits in the order Firestore ranks them.
func (f *Firestore) nearest(ctx context.Context, vector []float32, limit int) ([]Hit, error) {
	q := f.client.Collection(f.collection).FindNearest(firestoreVectorField,
		firestore.Vector32(vector), limit, firestore.DistanceMeasureCosine,
		&firestore.FindNearestOptions{DistanceResultField: firestoreDistanceField})

	iter := q.Documents(ctx)
	defer iter.Stop()

	var hits []Hit
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to run vector query", goerr.V("limit", limit))
		}

		var d vectorDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, goerr.Wrap(err, "failed to decode vector", goerr.V("doc", snap.Ref.ID))
		}
		distance, ok := snap.Data()[firestoreDistanceField].(float64)
		if !ok {
			return nil, goerr.New("vector distance missing from result", goerr.V("doc", snap.Ref.ID))
		}
		// cosine distance is 1 - similarity
		hits = append(hits, Hit{ID: model.MemoryID(d.ID), Score: 1 - distance})
	}
	return hits, nil
}

func (f *Firestore) Digest(ctx context.Context, id model.MemoryID) (string, bool, error) {
	snap, err := f.doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, goerr.Wrap(err, "failed to get vector", goerr.V("id", id))
	}

	var d vectorDoc
	if err := snap.DataTo(&d); err != nil {
		return "", false, goerr.Wrap(err, "failed to decode vector", goerr.V("id", id))
	}
	return d.Digest, true, nil
}
