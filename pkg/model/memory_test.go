package model_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/reverie/pkg/model"
)

func TestMemoryValidate(t *testing.T) {
	m := &model.MemoryRecord{Text: "  ", Source: model.SourceUserSaved}
	gt.True(t, errors.Is(m.Validate(), model.ErrValidation))

	m.Text = "likes tea"
	gt.NoError(t, m.Validate())

	m.Source = "imported"
	gt.True(t, errors.Is(m.Validate(), model.ErrValidation))
}

func TestNormalizeTags(t *testing.T) {
	gt.Equal(t, model.NormalizeTags([]string{"b", " a", "", "b"}), []string{"a", "b"})
}

func TestMemoryFilter(t *testing.T) {
	m := &model.MemoryRecord{Text: "x", Tags: []string{"food", "pref"}, Source: model.SourceUserSaved}

	gt.True(t, model.MemoryFilter{}.Match(m))
	gt.True(t, model.MemoryFilter{Tags: []string{"food"}}.Match(m))
	gt.False(t, model.MemoryFilter{Tags: []string{"food", "music"}}.Match(m))
	gt.False(t, model.MemoryFilter{Source: model.SourceAutoLogged}.Match(m))
}

func TestLogWindow(t *testing.T) {
	w := model.LogWindow{Start: 3, End: 5}
	gt.Equal(t, w.Len(), 3)
	gt.True(t, w.Follows(&model.LogWindow{Start: 1, End: 2}))
	gt.False(t, w.Follows(&model.LogWindow{Start: 1, End: 3}))
	gt.True(t, w.Follows(nil))
}

func TestLoadPersona(t *testing.T) {
	p, err := model.LoadPersona(strings.NewReader(`
profile:
  name: Sera
  likes: [stars, tea]
speech_examples:
  - "Hmm, let me think."
prohibited_topics:
  - medical diagnosis
identity:
  beliefs:
    presence: Being there matters.
  values: [honesty]
`))
	gt.NoError(t, err)
	gt.Equal(t, p.Name(), "Sera")
	gt.A(t, p.SpeechExamples).Length(1)
	gt.Equal(t, p.Identity.Beliefs["presence"], "Being there matters.")

	_, err = model.LoadPersona(strings.NewReader("unknown_key: 1\n"))
	gt.True(t, errors.Is(err, model.ErrValidation))

	var nilPersona *model.Persona
	gt.Equal(t, nilPersona.Name(), "Mio")
}
