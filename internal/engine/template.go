package engine

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/babushkai/agentorchestrators/internal/domain"
)

// placeholderPattern matches ${input.<path>} and ${steps.<step_id>.<path>}.
var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Interpolate resolves every ${...} placeholder in s against exec's input
// and step-result data. On any resolution miss — missing key, out-of-range
// index, a non-traversable intermediate value — the literal placeholder
// text is left in place rather than substituted with an empty string or
// treated as an error, per the rule that interpolation failures stay
// visible in the rendered output.
func Interpolate(s string, exec *domain.WorkflowExecution) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		expr := match[2 : len(match)-1] // strip ${ and }
		value, ok := resolvePlaceholder(expr, exec)
		if !ok {
			return match
		}
		return stringifyValue(value)
	})
}

// InterpolateValue recursively interpolates string leaves of an arbitrary
// JSON-like value (map/slice/string), used to render a step's task_template
// before dispatch.
func InterpolateValue(v any, exec *domain.WorkflowExecution) any {
	switch t := v.(type) {
	case string:
		return Interpolate(t, exec)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = InterpolateValue(vv, exec)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = InterpolateValue(vv, exec)
		}
		return out
	default:
		return v
	}
}

func resolvePlaceholder(expr string, exec *domain.WorkflowExecution) (any, bool) {
	parts := strings.Split(expr, ".")
	if len(parts) < 2 {
		return nil, false
	}

	var cur any
	var path []string
	switch parts[0] {
	case "input":
		cur = mapAny(exec.InputData)
		path = parts[1:]
	case "steps":
		if len(parts) < 3 {
			return nil, false
		}
		stepResult, ok := exec.StepResults[parts[1]]
		if !ok {
			return nil, false
		}
		cur = stepResult
		path = parts[2:]
	default:
		return nil, false
	}

	for _, seg := range path {
		if idx, err := strconv.Atoi(seg); err == nil {
			arr, ok := cur.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
