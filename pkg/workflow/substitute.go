package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/loomworks/loom/pkg/types"
)

var placeholderRe = regexp.MustCompile(`\$\{([a-zA-Z0-9_\-.]+)\}`)

// Substitute resolves ${...} placeholders in a template payload against
// the run. Supported forms:
//
//	${inputs.<key>}               run input value
//	${<stage-id>.status}          upstream stage status
//	${<stage-id>.output.<path>}   dotted access into upstream output
//
// Unresolvable placeholders become the empty string; upstream stages are
// guaranteed settled because plans only reference earlier levels.
func Substitute(payload string, run *types.WorkflowRun) string {
	return placeholderRe.ReplaceAllStringFunc(payload, func(m string) string {
		inner := m[2 : len(m)-1]
		parts := strings.Split(inner, ".")
		if len(parts) < 2 {
			return ""
		}
		if parts[0] == "inputs" {
			return run.Inputs[strings.Join(parts[1:], ".")]
		}
		sr, ok := run.Context[parts[0]]
		if !ok {
			return ""
		}
		if len(parts) == 2 && parts[1] == "status" {
			return sr.Status
		}
		if parts[1] != "output" {
			return ""
		}
		var cur interface{} = sr.Output
		for _, key := range parts[2:] {
			m, ok := cur.(map[string]interface{})
			if !ok {
				return ""
			}
			cur, ok = m[key]
			if !ok {
				return ""
			}
		}
		switch v := cur.(type) {
		case string:
			return v
		case nil:
			return ""
		default:
			return fmt.Sprintf("%v", v)
		}
	})
}
