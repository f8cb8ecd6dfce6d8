package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

const denyQuery = "data.reflection.deny"

// Guard vets proposed identity changes with Rego rules before they are
// committed. Rules live in package reflection and add messages to the deny
// set; an empty set allows the proposal. A nil Guard allows everything.
type Guard struct {
	query *rego.PreparedEvalQuery
}

// Input is the document policies see as `input`.
type Input struct {
	Summary  string               `json:"summary"`
	Changes  []model.Change       `json:"changes"`
	Identity *model.IdentityState `json:"identity"`
	Next     *model.IdentityState `json:"next"`
}

type printHook struct {
	ctx context.Context
}

func (h *printHook) Print(_ print.Context, message string) error {
	logging.From(h.ctx).Debug("rego print", "message", message)
	return nil
}

// Load reads every .rego file in dir. It returns a nil Guard when dir is
// empty or holds no policy files.
func Load(ctx context.Context, dir string) (*Guard, error) {
	if dir == "" {
		return nil, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", dir))
	}
	if len(files) == 0 {
		return nil, nil
	}

	modules := make(map[string]string, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		modules[file] = string(data)
	}

	return New(ctx, modules)
}

// New compiles policies given as file name to source.
func New(ctx context.Context, modules map[string]string) (*Guard, error) {
	options := []func(*rego.Rego){
		rego.Query(denyQuery),
		rego.EnablePrintStatements(true),
	}
	for name, src := range modules {
		options = append(options, rego.Module(name, src))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(model.ErrValidation, "failed to prepare reflection policy", goerr.V("error", err.Error()))
	}

	logging.From(ctx).Debug("reflection policy loaded", "modules", len(modules))
	return &Guard{query: &prepared}, nil
}

// Check returns an ErrValidation error listing every deny message.
func (g *Guard) Check(ctx context.Context, in *Input) error {
	if g == nil {
		return nil
	}

	doc, err := toDocument(in)
	if err != nil {
		return err
	}

	rs, err := g.query.Eval(ctx, rego.EvalInput(doc), rego.EvalPrintHook(&printHook{ctx: ctx}))
	if err != nil {
		return goerr.Wrap(err, "failed to evaluate reflection policy")
	}

	reasons := denyReasons(rs)
	if len(reasons) == 0 {
		return nil
	}
	return goerr.Wrap(model.ErrValidation, "reflection denied by policy: "+strings.Join(reasons, "; "), goerr.V("reasons", reasons))
}

// toDocument round-trips through JSON so policies see the json field names.
func toDocument(in *Input) (any, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal policy input")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal policy input")
	}
	return doc, nil
}

func denyReasons(rs rego.ResultSet) []string {
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil
	}

	values, ok := rs[0].Expressions[0].Value.([]any)
	if !ok {
		return nil
	}

	reasons := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			reasons = append(reasons, s)
		} else {
			reasons = append(reasons, fmt.Sprint(v))
		}
	}
	sort.Strings(reasons)
	return reasons
}
