package model

import (
	"time"

	"github.com/google/uuid"
)

type ReflectionID string

func NewReflectionID() ReflectionID {
	return ReflectionID(uuid.New().String())
}

// ReflectionRecord is one committed reflection cycle. MetaEvaluation judges
// the changes of the record before it, not this one.
type ReflectionRecord struct {
	ID             ReflectionID `json:"id"`
	Window         LogWindow    `json:"window"`
	Summary        string       `json:"summary"`
	Changes        []Change     `json:"changes_applied"`
	MetaEvaluation *string      `json:"meta_evaluation"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Proposal is what the critic returns for a window of logs.
type Proposal struct {
	Summary string   `json:"summary"`
	Changes []Change `json:"changes"`
}
