package rule

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowcore/pkg/api"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(16)
	require.NoError(t, err)
	return e
}

func TestLuaRule(t *testing.T) {
	e := newEvaluator(t)

	tests := []struct {
		name string
		rule string
		data api.Data
		want bool
	}{
		{"less than", "amount < 10", api.Data{"amount": 5.0}, true},
		{"not less than", "amount < 10", api.Data{"amount": 15.0}, false},
		{"string compare", `kind == "gold"`, api.Data{"kind": "gold"}, true},
		{"nested table", "customer.age >= 18", api.Data{
			"customer": map[string]any{"age": 21.0},
		}, true},
		{"array length", "#items == 2", api.Data{"items": []any{"a", "b"}}, true},
		{"missing key is nil", "missing == nil", api.Data{}, true},
		{"data table", `data["x-y"] == 1`, api.Data{"x-y": 1.0}, true},
		{"stdlib available", "string.len(name) > 3", api.Data{"name": "alice"}, true},
		{"nil result is false", "nil", api.Data{}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.Eval(api.RuleLua, tc.rule, tc.data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLuaSandbox(t *testing.T) {
	e := newEvaluator(t)

	for _, name := range []string{"os", "io", "debug", "require", "load"} {
		got, err := e.Eval(api.RuleLua, name+" == nil", api.Data{})
		require.NoError(t, err)
		assert.True(t, got, "%s should be removed", name)
	}
}

func TestLuaErrors(t *testing.T) {
	e := newEvaluator(t)

	_, err := e.Compile(api.RuleLua, "amount <")
	assert.ErrorIs(t, err, ErrCompile)

	_, err = e.Compile(api.RuleLua, "  ")
	assert.ErrorIs(t, err, ErrCompile)

	_, err = e.Eval(api.RuleLua, "amount < 10", api.Data{"amount": "x"})
	assert.ErrorIs(t, err, ErrEval)
}

func TestGJSONRule(t *testing.T) {
	e := newEvaluator(t)

	tests := []struct {
		name string
		rule string
		data api.Data
		want bool
	}{
		{"true flag", "approved", api.Data{"approved": true}, true},
		{"false flag", "approved", api.Data{"approved": false}, false},
		{"missing", "approved", api.Data{}, false},
		{"zero number", "count", api.Data{"count": 0.0}, false},
		{"number", "count", api.Data{"count": 3.0}, true},
		{"empty string", "name", api.Data{"name": ""}, false},
		{"nested", "customer.vip", api.Data{
			"customer": map[string]any{"vip": true},
		}, true},
		{"empty array", "items", api.Data{"items": []any{}}, false},
		{"query match", "#(amount<10)", api.Data{"amount": 5.0}, true},
		{"query miss", "#(amount<10)", api.Data{"amount": 50.0}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.Eval(api.RuleGJSON, tc.rule, tc.data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCompileCache(t *testing.T) {
	e := newEvaluator(t)

	r1, err := e.Compile(api.RuleLua, "a == 1")
	require.NoError(t, err)
	r2, err := e.Compile("", "a == 1")
	require.NoError(t, err)
	assert.Same(t, r1, r2)

	_, err = e.Compile(api.RuleGJSON, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, e.Len())

	_, err = e.Compile("cel", "a")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestLuaConcurrentEval(t *testing.T) {
	e := newEvaluator(t)
	r, err := e.Compile(api.RuleLua, "n % 2 == 0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := range 100 {
		wg.Go(func() {
			got, err := r.Eval(api.Data{"n": float64(i)})
			if err != nil {
				errs <- err
				return
			}
			if got != (i%2 == 0) {
				errs <- assert.AnError
			}
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}
