package model

import (
	"io"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

const defaultAgentName = "Mio"

// Persona is the static character sheet of the agent. Its Identity section
// seeds the mutable IdentityState before the first reflection.
type Persona struct {
	Profile          PersonaProfile `yaml:"profile"`
	SpeechExamples   []string       `yaml:"speech_examples"`
	ProhibitedTopics []string       `yaml:"prohibited_topics"`
	Identity         *IdentityState `yaml:"identity"`
}

type PersonaProfile struct {
	Name        string   `yaml:"name"`
	Personality string   `yaml:"personality"`
	Temperament []string `yaml:"temperament"`
	Likes       []string `yaml:"likes"`
	Background  string   `yaml:"background"`
}

// LoadPersona decodes a persona YAML document.
func LoadPersona(r io.Reader) (*Persona, error) {
	var p Persona
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && err != io.EOF {
		return nil, goerr.Wrap(ErrValidation, "failed to decode persona", goerr.V("error", err.Error()))
	}
	return &p, nil
}

// Name returns the agent's display name.
func (p *Persona) Name() string {
	if p == nil || strings.TrimSpace(p.Profile.Name) == "" {
		return defaultAgentName
	}
	return p.Profile.Name
}
