package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collMemories    = "memories"
	collLogs        = "logs"
	collReflections = "reflections"
	collState       = "state"

	docIdentity  = "identity"
	docMemorySeq = "memory_seq"
	docLogSeq    = "log_seq"
)

// Firestore stores the same data as SQLite in Firestore collections. Ids are
// allocated from counter documents inside transactions.
type Firestore struct {
	client *firestore.Client
	prefix string
	now    func() time.Time
}

type FirestoreOption func(*Firestore)

// WithCollectionPrefix namespaces every collection, e.g. per test or per agent
func WithCollectionPrefix(prefix string) FirestoreOption {
	return func(f *Firestore) {
		f.prefix = prefix
	}
}

func NewFirestore(ctx context.Context, projectID, databaseID string, opts ...FirestoreOption) (*Firestore, error) {
	if projectID == "" {
		return nil, goerr.Wrap(model.ErrValidation, "firestore project is required")
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID), goerr.V("database", databaseID))
	}

	f := &Firestore{client: client, now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *Firestore) Close() error {
	return f.client.Close()
}

func (f *Firestore) coll(name string) *firestore.CollectionRef {
	return f.client.Collection(f.prefix + name)
}

func seqDocID(id int64) string {
	return fmt.Sprintf("%020d", id)
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

type counterDoc struct {
	Value int64 `firestore:"value"`
}

func (f *Firestore) readCounter(tx *firestore.Transaction, name string) (int64, error) {
	snap, err := tx.Get(f.coll(collState).Doc(name))
	if isNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, goerr.Wrap(err, "failed to read counter", goerr.V("name", name))
	}
	var c counterDoc
	if err := snap.DataTo(&c); err != nil {
		return 0, goerr.Wrap(err, "failed to decode counter", goerr.V("name", name))
	}
	return c.Value, nil
}

// ---- memories

type memoryDoc struct {
	ID        int64     `firestore:"id"`
	Text      string    `firestore:"text"`
	Tags      []string  `firestore:"tags"`
	Source    string    `firestore:"source"`
	CreatedAt time.Time `firestore:"created_at"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

func (d *memoryDoc) toModel() *model.MemoryRecord {
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	return &model.MemoryRecord{
		ID:        model.MemoryID(d.ID),
		Text:      d.Text,
		Tags:      tags,
		Source:    model.MemorySource(d.Source),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func (f *Firestore) InsertMemory(ctx context.Context, m *model.MemoryRecord) (model.MemoryID, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}

	now := f.now()
	tags := model.NormalizeTags(m.Tags)
	var id int64
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		last, err := f.readCounter(tx, docMemorySeq)
		if err != nil {
			return err
		}
		id = last + 1

		if err := tx.Set(f.coll(collState).Doc(docMemorySeq), counterDoc{Value: id}); err != nil {
			return goerr.Wrap(err, "failed to bump memory counter")
		}
		return tx.Create(f.coll(collMemories).Doc(seqDocID(id)), &memoryDoc{
			ID:        id,
			Text:      m.Text,
			Tags:      tags,
			Source:    string(m.Source),
			CreatedAt: now,
			UpdatedAt: now,
		})
	})
	if err != nil {
		return 0, goerr.Wrap(err, "failed to insert memory")
	}

	m.ID = model.MemoryID(id)
	m.Tags = tags
	m.CreatedAt = now
	m.UpdatedAt = now
	return m.ID, nil
}

func (f *Firestore) GetMemory(ctx context.Context, id model.MemoryID) (*model.MemoryRecord, error) {
	snap, err := f.coll(collMemories).Doc(seqDocID(int64(id))).Get(ctx)
	if isNotFound(err) {
		return nil, goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get memory", goerr.V("id", id))
	}

	var d memoryDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, goerr.Wrap(err, "failed to decode memory", goerr.V("id", id))
	}
	return d.toModel(), nil
}

func (f *Firestore) UpdateMemory(ctx context.Context, id model.MemoryID, text string) (*model.MemoryRecord, error) {
	if strings.TrimSpace(text) == "" {
		return nil, goerr.Wrap(model.ErrValidation, "memory text is empty", goerr.V("id", id))
	}

	ref := f.coll(collMemories).Doc(seqDocID(int64(id)))
	var d memoryDoc
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if isNotFound(err) {
			return goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
		}
		if err != nil {
			return goerr.Wrap(err, "failed to get memory", goerr.V("id", id))
		}
		if err := snap.DataTo(&d); err != nil {
			return goerr.Wrap(err, "failed to decode memory", goerr.V("id", id))
		}

		d.Text = text
		d.UpdatedAt = f.now()
		return tx.Set(ref, &d)
	})
	if err != nil {
		return nil, err
	}
	return d.toModel(), nil
}

func (f *Firestore) DeleteMemory(ctx context.Context, id model.MemoryID) error {
	ref := f.coll(collMemories).Doc(seqDocID(int64(id)))
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(ref); isNotFound(err) {
			return goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
		} else if err != nil {
			return goerr.Wrap(err, "failed to get memory", goerr.V("id", id))
		}
		return tx.Delete(ref)
	})
}

func (f *Firestore) ListMemories(ctx context.Context, filter model.MemoryFilter) ([]*model.MemoryRecord, error) {
	iter := f.coll(collMemories).OrderBy("id", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []*model.MemoryRecord
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate memories")
		}

		var d memoryDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, goerr.Wrap(err, "failed to decode memory", goerr.V("doc", snap.Ref.ID))
		}
		if m := d.toModel(); filter.Match(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

// ---- logs

type logDoc struct {
	ID        int64     `firestore:"id"`
	Role      string    `firestore:"role"`
	Speaker   string    `firestore:"speaker"`
	Text      string    `firestore:"text"`
	Timestamp time.Time `firestore:"timestamp"`
}

func (d *logDoc) toModel() *model.LogEntry {
	return &model.LogEntry{
		ID:        model.LogID(d.ID),
		Role:      model.Role(d.Role),
		Speaker:   d.Speaker,
		Text:      d.Text,
		Timestamp: d.Timestamp,
	}
}

func (f *Firestore) AppendLog(ctx context.Context, entry *model.LogEntry) (model.LogID, error) {
	if err := entry.Validate(); err != nil {
		return 0, err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = f.now()
	}

	var id int64
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		last, err := f.readCounter(tx, docLogSeq)
		if err != nil {
			return err
		}
		id = last + 1

		if err := tx.Set(f.coll(collState).Doc(docLogSeq), counterDoc{Value: id}); err != nil {
			return goerr.Wrap(err, "failed to bump log counter")
		}
		return tx.Create(f.coll(collLogs).Doc(seqDocID(id)), &logDoc{
			ID:        id,
			Role:      string(entry.Role),
			Speaker:   entry.Speaker,
			Text:      entry.Text,
			Timestamp: entry.Timestamp,
		})
	})
	if err != nil {
		return 0, goerr.Wrap(err, "failed to append log")
	}

	entry.ID = model.LogID(id)
	return entry.ID, nil
}

func collectLogs(iter *firestore.DocumentIterator) ([]*model.LogEntry, error) {
	defer iter.Stop()

	var out []*model.LogEntry
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate logs")
		}
		var d logDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, goerr.Wrap(err, "failed to decode log", goerr.V("doc", snap.Ref.ID))
		}
		out = append(out, d.toModel())
	}
}

func (f *Firestore) ListLogs(ctx context.Context, after model.LogID, limit int) ([]*model.LogEntry, error) {
	if limit <= 0 {
		return nil, goerr.Wrap(model.ErrValidation, "limit must be positive", goerr.V("limit", limit))
	}
	q := f.coll(collLogs).Where("id", ">", int64(after)).OrderBy("id", firestore.Asc).Limit(limit)
	return collectLogs(q.Documents(ctx))
}

func (f *Firestore) ListRecentLogs(ctx context.Context, n int) ([]*model.LogEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	logs, err := collectLogs(f.coll(collLogs).OrderBy("id", firestore.Desc).Limit(n).Documents(ctx))
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}

// ---- identity and reflections

type reflectionDoc struct {
	ID             string         `firestore:"id"`
	WindowStart    int64          `firestore:"window_start"`
	WindowEnd      int64          `firestore:"window_end"`
	Summary        string         `firestore:"summary"`
	Changes        []model.Change `firestore:"changes"`
	MetaEvaluation *string        `firestore:"meta_evaluation"`
	CreatedAt      time.Time      `firestore:"created_at"`
}

func (d *reflectionDoc) toModel() *model.ReflectionRecord {
	return &model.ReflectionRecord{
		ID:             model.ReflectionID(d.ID),
		Window:         model.LogWindow{Start: model.LogID(d.WindowStart), End: model.LogID(d.WindowEnd)},
		Summary:        d.Summary,
		Changes:        d.Changes,
		MetaEvaluation: d.MetaEvaluation,
		CreatedAt:      d.CreatedAt,
	}
}

func decodeIdentity(snap *firestore.DocumentSnapshot) (*model.IdentityState, error) {
	state := model.NewIdentityState()
	if err := snap.DataTo(state); err != nil {
		return nil, goerr.Wrap(err, "failed to decode identity")
	}
	return state.Clone(), nil
}

func (f *Firestore) GetIdentity(ctx context.Context) (*model.IdentityState, error) {
	snap, err := f.coll(collState).Doc(docIdentity).Get(ctx)
	if isNotFound(err) {
		return model.NewIdentityState(), nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get identity")
	}
	return decodeIdentity(snap)
}

func (f *Firestore) PutIdentity(ctx context.Context, state *model.IdentityState) error {
	if state == nil {
		return goerr.Wrap(model.ErrValidation, "identity is nil")
	}
	if _, err := f.coll(collState).Doc(docIdentity).Set(ctx, state); err != nil {
		return goerr.Wrap(err, "failed to put identity")
	}
	return nil
}

func (f *Firestore) latestReflectionQuery() firestore.Query {
	return f.coll(collReflections).OrderBy("window_end", firestore.Desc).Limit(1)
}

func (f *Firestore) LatestReflection(ctx context.Context) (*model.ReflectionRecord, error) {
	list, err := f.ListReflections(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (f *Firestore) ListReflections(ctx context.Context, limit int) ([]*model.ReflectionRecord, error) {
	if limit <= 0 {
		return nil, goerr.Wrap(model.ErrValidation, "limit must be positive", goerr.V("limit", limit))
	}
	snaps, err := f.coll(collReflections).OrderBy("window_end", firestore.Desc).Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list reflections")
	}

	out := make([]*model.ReflectionRecord, 0, len(snaps))
	for _, snap := range snaps {
		var d reflectionDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, goerr.Wrap(err, "failed to decode reflection", goerr.V("doc", snap.Ref.ID))
		}
		out = append(out, d.toModel())
	}
	return out, nil
}

func (f *Firestore) CommitReflection(ctx context.Context, base, next *model.IdentityState, rec *model.ReflectionRecord) error {
	identityRef := f.coll(collState).Doc(docIdentity)

	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current := model.NewIdentityState()
		snap, err := tx.Get(identityRef)
		switch {
		case isNotFound(err):
		case err != nil:
			return goerr.Wrap(err, "failed to get identity")
		default:
			if current, err = decodeIdentity(snap); err != nil {
				return err
			}
		}

		var latestEnd model.LogID
		latest, err := tx.Documents(f.latestReflectionQuery()).GetAll()
		if err != nil {
			return goerr.Wrap(err, "failed to read latest reflection")
		}
		if len(latest) > 0 {
			var d reflectionDoc
			if err := latest[0].DataTo(&d); err != nil {
				return goerr.Wrap(err, "failed to decode reflection")
			}
			latestEnd = model.LogID(d.WindowEnd)
		}

		maxLog, err := f.readCounter(tx, docLogSeq)
		if err != nil {
			return err
		}

		if err := checkCommit(current, base, latestEnd, model.LogID(maxLog), rec); err != nil {
			return err
		}

		if err := tx.Set(identityRef, next); err != nil {
			return goerr.Wrap(err, "failed to write identity")
		}
		return tx.Create(f.coll(collReflections).Doc(string(rec.ID)), &reflectionDoc{
			ID:             string(rec.ID),
			WindowStart:    int64(rec.Window.Start),
			WindowEnd:      int64(rec.Window.End),
			Summary:        rec.Summary,
			Changes:        rec.Changes,
			MetaEvaluation: rec.MetaEvaluation,
			CreatedAt:      rec.CreatedAt,
		})
	})
}
