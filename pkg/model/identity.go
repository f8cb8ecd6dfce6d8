package model

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

type IdentityField string

const (
	FieldBeliefs          IdentityField = "beliefs"
	FieldValues           IdentityField = "values"
	FieldResponsePatterns IdentityField = "response_patterns"
)

func (f IdentityField) Validate() error {
	switch f {
	case FieldBeliefs, FieldValues, FieldResponsePatterns:
		return nil
	default:
		return goerr.Wrap(ErrValidation, "unknown identity field", goerr.V("field", f))
	}
}

// IdentityState is the agent's persisted self-description.
type IdentityState struct {
	Beliefs          map[string]string `json:"beliefs" yaml:"beliefs" firestore:"beliefs"`
	Values           []string          `json:"values" yaml:"values" firestore:"values"`
	ResponsePatterns []string          `json:"response_patterns" yaml:"response_patterns" firestore:"response_patterns"`
	LastReflectedAt  time.Time         `json:"last_reflected_at" yaml:"-" firestore:"last_reflected_at"`
	ReflectionCount  int               `json:"reflection_count" yaml:"-" firestore:"reflection_count"`
}

func NewIdentityState() *IdentityState {
	return &IdentityState{
		Beliefs:          map[string]string{},
		Values:           []string{},
		ResponsePatterns: []string{},
	}
}

func (s *IdentityState) Clone() *IdentityState {
	c := *s
	c.Beliefs = maps.Clone(s.Beliefs)
	if c.Beliefs == nil {
		c.Beliefs = map[string]string{}
	}
	c.Values = append([]string{}, s.Values...)
	c.ResponsePatterns = append([]string{}, s.ResponsePatterns...)
	return &c
}

// SameVersion reports whether other is the same revision of the identity,
// i.e. no reflection was committed between reading s and reading other.
func (s *IdentityState) SameVersion(other *IdentityState) bool {
	return s.ReflectionCount == other.ReflectionCount &&
		s.LastReflectedAt.Equal(other.LastReflectedAt)
}

// BeliefNames returns belief keys in sorted order.
func (s *IdentityState) BeliefNames() []string {
	return slices.Sorted(maps.Keys(s.Beliefs))
}

// Change is one proposed edit of the identity. Before is the value the
// proposer saw; After is the replacement. An empty Before means "add" and an
// empty After means "remove".
type Change struct {
	Field  IdentityField `json:"field" firestore:"field"`
	Key    string        `json:"key,omitempty" firestore:"key"`
	Before string        `json:"before" firestore:"before"`
	After  string        `json:"after" firestore:"after"`
}

func (c Change) Validate() error {
	if err := c.Field.Validate(); err != nil {
		return err
	}
	if c.Before == c.After {
		return goerr.Wrap(ErrValidation, "change does not modify anything", goerr.V("field", c.Field), goerr.V("before", c.Before))
	}
	if c.Field == FieldBeliefs && strings.TrimSpace(c.Key) == "" {
		return goerr.Wrap(ErrValidation, "belief change requires a key")
	}
	return nil
}

// ApplyChanges returns a new state with changes applied in order. state is not
// modified. Every change is checked against the value it is applied to, so a
// proposal built from an older identity fails with ErrConflict.
func ApplyChanges(state *IdentityState, changes []Change) (*IdentityState, error) {
	next := state.Clone()

	for i, c := range changes {
		if err := c.Validate(); err != nil {
			return nil, goerr.Wrap(err, "invalid change", goerr.V("index", i))
		}

		var err error
		switch c.Field {
		case FieldBeliefs:
			err = applyBelief(next.Beliefs, c)
		case FieldValues:
			next.Values, err = applyList(next.Values, c)
		case FieldResponsePatterns:
			next.ResponsePatterns, err = applyList(next.ResponsePatterns, c)
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to apply change", goerr.V("index", i), goerr.V("field", c.Field))
		}
	}

	return next, nil
}

func applyBelief(beliefs map[string]string, c Change) error {
	current := beliefs[c.Key]
	if current != c.Before {
		return goerr.Wrap(ErrConflict, "belief does not match expected value",
			goerr.V("key", c.Key), goerr.V("expected", c.Before), goerr.V("actual", current))
	}

	if c.After == "" {
		delete(beliefs, c.Key)
	} else {
		beliefs[c.Key] = c.After
	}
	return nil
}

func applyList(list []string, c Change) ([]string, error) {
	if c.Before == "" {
		if slices.Contains(list, c.After) {
			return nil, goerr.Wrap(ErrConflict, "statement already present", goerr.V("statement", c.After))
		}
		return append(list, c.After), nil
	}

	idx := slices.Index(list, c.Before)
	if idx < 0 {
		return nil, goerr.Wrap(ErrConflict, "statement not found", goerr.V("statement", c.Before))
	}

	if c.After == "" {
		return slices.Delete(list, idx, idx+1), nil
	}
	list[idx] = c.After
	return list, nil
}
