package reflection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/reverie/pkg/adapter"
	"github.com/m-mizutani/reverie/pkg/interfaces"
	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/policy"
	"github.com/m-mizutani/reverie/pkg/usecase/identity"
	"github.com/m-mizutani/reverie/pkg/utils/logging"
)

// State is the step a reflection cycle is currently in.
type State string

const (
	StateIdle            State = "IDLE"
	StateSelectingWindow State = "SELECTING_WINDOW"
	StateSummarizing     State = "SUMMARIZING"
	StateMetaEvaluating  State = "META_EVALUATING"
	StateCommitting      State = "COMMITTING"
)

// Status tells how a call to Run ended.
type Status string

const (
	// StatusCommitted means a new reflection record and identity were stored
	StatusCommitted Status = "committed"
	// StatusNoDelta means no log entry arrived since the last reflection
	StatusNoDelta Status = "no_delta"
	// StatusBusy means another cycle was already running
	StatusBusy Status = "busy"
)

type Outcome struct {
	Status   Status
	Record   *model.ReflectionRecord
	Identity *model.IdentityState
	// Remaining is true when the window was capped and more logs wait for the next cycle
	Remaining bool
}

// Engine runs reflection cycles over the conversation log. At most one cycle
// is in flight per Engine.
type Engine struct {
	repo   interfaces.Repository
	critic interfaces.Critic
	guard  *policy.Guard

	maxWindow     int
	commitTimeout time.Duration
	now           func() time.Time

	snapshot *identity.UseCase
	storage  adapter.Storage

	mu    sync.Mutex
	state atomic.Value
}

type Option func(*Engine)

// WithMaxWindow caps how many log entries one cycle reflects on
func WithMaxWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxWindow = n
		}
	}
}

func WithGuard(g *policy.Guard) Option {
	return func(e *Engine) {
		e.guard = g
	}
}

func WithCommitTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.commitTimeout = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithSnapshot mirrors identity and history to storage after every commit
func WithSnapshot(uc *identity.UseCase, storage adapter.Storage) Option {
	return func(e *Engine) {
		e.snapshot = uc
		e.storage = storage
	}
}

func New(repo interfaces.Repository, critic interfaces.Critic, opts ...Option) *Engine {
	e := &Engine{
		repo:          repo,
		critic:        critic,
		maxWindow:     100,
		commitTimeout: 30 * time.Second,
		now:           time.Now,
	}
	e.state.Store(StateIdle)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the state of the running cycle, or StateIdle.
func (e *Engine) State() State {
	return e.state.Load().(State)
}

func (e *Engine) enter(ctx context.Context, s State) {
	e.state.Store(s)
	logging.From(ctx).Info("reflection state", "state", s)
}
