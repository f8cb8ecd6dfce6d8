package model

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

type MemoryID int64

type MemorySource string

const (
	SourceUserSaved  MemorySource = "user_saved"
	SourceAutoLogged MemorySource = "auto_logged"
)

func (s MemorySource) Validate() error {
	switch s {
	case SourceUserSaved, SourceAutoLogged:
		return nil
	default:
		return goerr.Wrap(ErrValidation, "unknown memory source", goerr.V("source", s))
	}
}

// MemoryRecord is a discrete fact kept for later recall. The embedding index
// only refers to it by ID.
type MemoryRecord struct {
	ID        MemoryID
	Text      string
	Tags      []string
	Source    MemorySource
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Digest identifies the text a vector was computed from.
func (m *MemoryRecord) Digest() string {
	return TextDigest(m.Text)
}

func (m *MemoryRecord) Validate() error {
	if strings.TrimSpace(m.Text) == "" {
		return goerr.Wrap(ErrValidation, "memory text is empty")
	}
	return m.Source.Validate()
}

// HasTags reports whether every tag in want is attached to the record.
func (m *MemoryRecord) HasTags(want ...string) bool {
	for _, t := range want {
		if !slices.Contains(m.Tags, t) {
			return false
		}
	}
	return true
}

// NormalizeTags trims, drops empties, sorts and deduplicates.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func TextDigest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// MemoryFilter narrows List and Retrieve results. Zero value matches everything.
type MemoryFilter struct {
	Tags   []string
	Source MemorySource
}

func (f MemoryFilter) Match(m *MemoryRecord) bool {
	if f.Source != "" && m.Source != f.Source {
		return false
	}
	return m.HasTags(f.Tags...)
}

// ScoredMemory is a retrieval result.
type ScoredMemory struct {
	*MemoryRecord
	Score float64
}
