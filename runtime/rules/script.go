package rules

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/expr"
	"github.com/mugoori/triflow/runtime/judgment"
)

type (
	// scriptDoc is the YAML shape of a rule script.
	scriptDoc struct {
		Rules   []ruleDoc `yaml:"rules"`
		Default *ruleBody `yaml:"default"`
	}

	ruleDoc struct {
		ID       string `yaml:"id"`
		When     string `yaml:"when"`
		ruleBody `yaml:",inline"`
	}

	ruleBody struct {
		Result     string      `yaml:"result"`
		Confidence float64     `yaml:"confidence"`
		Actions    []actionDoc `yaml:"actions"`
	}

	actionDoc struct {
		ActionType string         `yaml:"action_type"`
		Priority   string         `yaml:"priority"`
		Target     string         `yaml:"target"`
		Message    string         `yaml:"message"`
		Parameters map[string]any `yaml:"parameters"`
	}

	// CompiledScript is an executable rule script.
	CompiledScript struct {
		Rules   []CompiledRule
		Default *judgment.RuleOutcome
	}

	// CompiledRule is one compiled rule: a parsed condition plus its
	// outcome contribution.
	CompiledRule struct {
		ID         string
		Cond       *expr.Expr
		Result     judgment.Class
		Confidence float64
		Actions    []judgment.RecommendedAction
	}
)

// Compile parses and validates rule script source. Compilation failures
// return CompileError.
func Compile(source string) (*CompiledScript, error) {
	var doc scriptDoc
	if err := yaml.Unmarshal([]byte(source), &doc); err != nil {
		return nil, errs.Wrap(errs.KindCompileError, "parse rule script", err)
	}
	if len(doc.Rules) == 0 {
		return nil, errs.New(errs.KindCompileError, "rule script declares no rules")
	}

	compiled := &CompiledScript{}
	seen := map[string]struct{}{}
	for i, r := range doc.Rules {
		if r.ID == "" {
			return nil, errs.Newf(errs.KindCompileError, "rule %d: id is required", i)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, errs.Newf(errs.KindCompileError, "duplicate rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		if r.When == "" {
			return nil, errs.Newf(errs.KindCompileError, "rule %q: when condition is required", r.ID)
		}
		cond, err := expr.Parse(r.When)
		if err != nil {
			return nil, errs.Wrap(errs.KindCompileError, fmt.Sprintf("rule %q condition", r.ID), err)
		}
		class, err := parseClass(r.Result)
		if err != nil {
			return nil, errs.Wrap(errs.KindCompileError, fmt.Sprintf("rule %q", r.ID), err)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return nil, errs.Newf(errs.KindCompileError, "rule %q: confidence %v outside [0,1]", r.ID, r.Confidence)
		}
		compiled.Rules = append(compiled.Rules, CompiledRule{
			ID:         r.ID,
			Cond:       cond,
			Result:     class,
			Confidence: r.Confidence,
			Actions:    convertActions(r.Actions),
		})
	}
	if doc.Default != nil {
		class, err := parseClass(doc.Default.Result)
		if err != nil {
			return nil, errs.Wrap(errs.KindCompileError, "default outcome", err)
		}
		if doc.Default.Confidence < 0 || doc.Default.Confidence > 1 {
			return nil, errs.Newf(errs.KindCompileError, "default confidence %v outside [0,1]", doc.Default.Confidence)
		}
		compiled.Default = &judgment.RuleOutcome{
			Result:     class,
			Confidence: doc.Default.Confidence,
			Actions:    convertActions(doc.Default.Actions),
		}
	}
	return compiled, nil
}

// Evaluate runs the script against the input. All matching rules
// contribute; the decision is the argmax of per-class maximum confidences
// with ties breaking toward the more severe class. When nothing matches the
// default outcome applies, or unknown when the script has none.
func (s *CompiledScript) Evaluate(input map[string]any) (judgment.RuleOutcome, error) {
	lookup := inputLookup(input)

	var (
		matched []CompiledRule
		vector  judgment.Vector
	)
	for _, r := range s.Rules {
		ok, err := r.Cond.EvalBool(lookup)
		if err != nil {
			// Conditions over absent fields simply do not match.
			continue
		}
		if !ok {
			continue
		}
		matched = append(matched, r)
		switch r.Result {
		case judgment.ClassNormal:
			vector.Normal = max(vector.Normal, r.Confidence)
		case judgment.ClassWarning:
			vector.Warning = max(vector.Warning, r.Confidence)
		case judgment.ClassCritical:
			vector.Critical = max(vector.Critical, r.Confidence)
		}
	}

	if len(matched) == 0 {
		if s.Default != nil {
			out := *s.Default
			out.Vector = judgment.FromDecision(out.Result, out.Confidence)
			return out, nil
		}
		return judgment.RuleOutcome{Result: judgment.ClassUnknown}, nil
	}

	decision, confidence := vector.ArgMax()
	out := judgment.RuleOutcome{
		Result:     decision,
		Confidence: confidence,
		Vector:     vector,
	}
	for _, r := range matched {
		out.MatchedRuleIDs = append(out.MatchedRuleIDs, r.ID)
		if r.Result == decision {
			out.Actions = append(out.Actions, r.Actions...)
		}
	}
	return out, nil
}

// inputLookup resolves bare field names and $.input.-prefixed references
// against the judgment input.
func inputLookup(input map[string]any) expr.Lookup {
	return func(name string) (any, error) {
		if len(name) > 8 && name[:8] == "$.input." {
			name = name[8:]
		}
		v, ok := input[name]
		if !ok {
			return nil, fmt.Errorf("input field %q not present", name)
		}
		return v, nil
	}
}

func convertActions(docs []actionDoc) []judgment.RecommendedAction {
	if len(docs) == 0 {
		return nil
	}
	out := make([]judgment.RecommendedAction, len(docs))
	for i, a := range docs {
		out[i] = judgment.RecommendedAction{
			ActionType: a.ActionType,
			Priority:   a.Priority,
			Target:     a.Target,
			Message:    a.Message,
			Parameters: a.Parameters,
		}
	}
	return out
}

func parseClass(s string) (judgment.Class, error) {
	switch judgment.Class(s) {
	case judgment.ClassNormal, judgment.ClassWarning, judgment.ClassCritical:
		return judgment.Class(s), nil
	case judgment.ClassUnknown:
		return "", fmt.Errorf("rules cannot declare result %q", s)
	}
	return "", fmt.Errorf("invalid result class %q", s)
}
