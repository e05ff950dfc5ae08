// Package rule compiles and evaluates the condition rules attached to
// flow edges.
package rule

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/petrijr/flowcore/pkg/api"
)

type (
	// Rule is a compiled condition rule.
	Rule interface {
		Eval(data api.Data) (bool, error)
	}

	// Evaluator compiles rules and caches the compiled form by language and
	// source text.
	Evaluator struct {
		cache *lru.Cache
		lua   *luaEnv
	}
)

// DefaultCacheSize is the number of compiled rules kept by NewEvaluator.
const DefaultCacheSize = 1024

var (
	// ErrUnsupportedLanguage is returned for rule languages other than lua
	// and gjson.
	ErrUnsupportedLanguage = errors.New("unsupported rule language")

	// ErrCompile wraps rule syntax errors.
	ErrCompile = errors.New("rule compile error")

	// ErrEval wraps runtime failures of a rule.
	ErrEval = errors.New("rule evaluation error")
)

// NewEvaluator creates an Evaluator caching up to size compiled rules.
// size <= 0 selects DefaultCacheSize.
func NewEvaluator(size int) (*Evaluator, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		cache: cache,
		lua:   newLuaEnv(),
	}, nil
}

// Compile returns the compiled form of src. An empty lang selects Lua.
func (e *Evaluator) Compile(lang api.RuleLang, src string) (Rule, error) {
	if lang == "" {
		lang = api.RuleLua
	}
	key := string(lang) + "\x00" + src
	if r, ok := e.cache.Get(key); ok {
		return r.(Rule), nil
	}

	var (
		r   Rule
		err error
	)
	switch lang {
	case api.RuleLua:
		r, err = e.lua.compile(src)
	case api.RuleGJSON:
		r, err = compilePath(src)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, lang)
	}
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, r)
	return r, nil
}

// Eval compiles src if needed and evaluates it against data.
func (e *Evaluator) Eval(lang api.RuleLang, src string, data api.Data) (bool, error) {
	r, err := e.Compile(lang, src)
	if err != nil {
		return false, err
	}
	return r.Eval(data)
}

// Len returns the number of cached rules.
func (e *Evaluator) Len() int {
	return e.cache.Len()
}
