package judgment

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mugoori/triflow/runtime/errs"
)

// verdict is the structured output the LLM must produce.
type verdict struct {
	Result             string              `json:"result"`
	Confidence         float64             `json:"confidence"`
	Vector             *Vector             `json:"vector,omitempty"`
	Explanation        string              `json:"explanation,omitempty"`
	RecommendedActions []RecommendedAction `json:"recommended_actions,omitempty"`
}

const judgeSystemPrompt = `You are a manufacturing-floor judgment engine. ` +
	`Classify the input as one of: normal, warning, critical. ` +
	`Respond with a single JSON object and nothing else. Schema: ` +
	`{"result": "normal|warning|critical", "confidence": 0.0-1.0, ` +
	`"vector": {"normal": n, "warning": n, "critical": n}, ` +
	`"explanation": "...", "recommended_actions": [{"action_type": "...", ` +
	`"priority": "...", "target": "...", "message": "...", "parameters": {}}]}`

const repairSuffix = "\n\nYour previous response was not valid JSON matching the schema. " +
	"Respond again with ONLY the JSON object. No prose, no code fences."

// buildPrompt renders the judgment prompt for the model.
func buildPrompt(req Request, rule *RuleOutcome) (string, error) {
	inputJSON, err := json.Marshal(req.Input)
	if err != nil {
		return "", errs.Wrap(errs.KindInvalidInput, "encode judgment input", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Ruleset: %s\nInput:\n%s\n", req.RulesetID, inputJSON)
	if rule != nil && rule.Result != ClassUnknown {
		fmt.Fprintf(&b, "\nDeterministic rule evaluation reached %q at confidence %.2f (matched rules: %s). ",
			rule.Result, rule.Confidence, strings.Join(rule.MatchedRuleIDs, ", "))
		b.WriteString("Weigh it as one signal, not the final answer.\n")
	}
	if req.NeedExplanation {
		b.WriteString("\nInclude a concise explanation of the decision.\n")
	}
	b.WriteString("\nClassify now.")
	return b.String(), nil
}

// parseVerdict extracts the structured verdict from a model completion. It
// tolerates code fences and surrounding prose by scanning for the outermost
// JSON object.
func parseVerdict(text string) (verdict, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return verdict{}, errs.New(errs.KindLLMUnparsable, "completion contains no JSON object")
	}
	var v verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return verdict{}, errs.Wrap(errs.KindLLMUnparsable, "decode model verdict", err)
	}
	switch Class(v.Result) {
	case ClassNormal, ClassWarning, ClassCritical:
	default:
		return verdict{}, errs.Newf(errs.KindLLMUnparsable, "model verdict has invalid result %q", v.Result)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return verdict{}, errs.Newf(errs.KindLLMUnparsable, "model verdict confidence %v outside [0,1]", v.Confidence)
	}
	return v, nil
}
