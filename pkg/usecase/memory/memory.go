package memory

import (
	"sync"

	"github.com/m-mizutani/reverie/pkg/index"
	"github.com/m-mizutani/reverie/pkg/interfaces"
)

const (
	defaultOverFetch = 3
	// scores are cosine similarity, so anything below -1 disables the threshold
	noMinScore = -2
)

// UseCase owns the memory store and keeps the embedding index in step with it.
type UseCase struct {
	repo      interfaces.Repository
	index     *index.Index
	overFetch int
	minScore  float64

	// serializes mutations so that list positions resolve to the right record
	mu sync.Mutex
}

type Option func(*UseCase)

// WithOverFetch sets how many candidates per requested result are read from the index
func WithOverFetch(n int) Option {
	return func(uc *UseCase) {
		if n >= 1 {
			uc.overFetch = n
		}
	}
}

// WithMinScore drops retrieval hits scoring below s
func WithMinScore(s float64) Option {
	return func(uc *UseCase) {
		uc.minScore = s
	}
}

func New(repo interfaces.Repository, idx *index.Index, opts ...Option) *UseCase {
	uc := &UseCase{
		repo:      repo,
		index:     idx,
		overFetch: defaultOverFetch,
		minScore:  noMinScore,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}
