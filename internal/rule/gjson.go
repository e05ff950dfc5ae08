package rule

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"

	"github.com/petrijr/flowcore/pkg/api"
)

type pathRule struct {
	path string
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// compilePath builds a gjson rule. The rule matches when the path resolves
// to a truthy value. Paths starting with "#(" are queries; they run against
// a one-element array holding the data, so `#(amount<10)` filters the
// context itself.
func compilePath(src string) (*pathRule, error) {
	path := strings.TrimSpace(src)
	if path == "" {
		return nil, fmt.Errorf("%w: empty gjson path", ErrCompile)
	}
	return &pathRule{path: path}, nil
}

func (r *pathRule) Eval(data api.Data) (bool, error) {
	doc := any(data)
	if data == nil {
		doc = map[string]any{}
	}
	if strings.HasPrefix(r.path, "#(") {
		doc = []any{doc}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrEval, err)
	}
	return truthy(gjson.GetBytes(raw, r.path)), nil
}

func truthy(res gjson.Result) bool {
	if !res.Exists() {
		return false
	}
	switch res.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.Number:
		return res.Num != 0
	case gjson.String:
		return res.Str != ""
	case gjson.JSON:
		if res.IsArray() {
			return len(res.Array()) > 0
		}
		return true
	default:
		return true
	}
}
