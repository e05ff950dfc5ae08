package rule

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/Shopify/go-lua"

	"github.com/petrijr/flowcore/pkg/api"
)

type (
	luaEnv struct {
		states chan *lua.State
	}

	luaRule struct {
		env      *luaEnv
		bytecode []byte
	}
)

const (
	luaStatePoolSize    = 10
	luaGlobalTableIndex = -2
	luaTableIndex       = -3
	luaGlobalTableName  = "_G"

	// Business data keys resolve as bare identifiers. Unknown names fall
	// back to the sandboxed globals, so `amount < 10` and
	// `string.len(name) > 0` both work.
	luaRuleTemplate = `local data = ...
local _ENV = setmetatable({}, {__index = function(_, k)
  local v = data[k]
  if v ~= nil then return v end
  return _G[k]
end})
return (%s)`
)

var luaExclude = [...]string{
	"io", "os", "debug", "package", "require", "dofile", "loadfile", "load",
}

func newLuaEnv() *luaEnv {
	return &luaEnv{states: make(chan *lua.State, luaStatePoolSize)}
}

func (e *luaEnv) compile(src string) (*luaRule, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("%w: empty lua rule", ErrCompile)
	}

	L := lua.NewState()
	sandbox(L)
	if err := lua.LoadString(L, fmt.Sprintf(luaRuleTemplate, src)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}

	var buf bytes.Buffer
	if err := L.Dump(&buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}
	return &luaRule{env: e, bytecode: buf.Bytes()}, nil
}

func (r *luaRule) Eval(data api.Data) (bool, error) {
	L := r.env.get()
	defer r.env.put(L)

	if err := L.Load(bytes.NewReader(r.bytecode), "rule", "b"); err != nil {
		return false, fmt.Errorf("%w: %w", ErrEval, err)
	}
	pushMap(L, data)
	if err := L.ProtectedCall(1, 1, 0); err != nil {
		return false, fmt.Errorf("%w: %w", ErrEval, err)
	}
	res := L.ToBoolean(-1)
	L.Pop(1)
	return res, nil
}

func (e *luaEnv) get() *lua.State {
	select {
	case L := <-e.states:
		return L
	default:
		L := lua.NewState()
		sandbox(L)
		return L
	}
}

func (e *luaEnv) put(L *lua.State) {
	L.SetTop(0)
	select {
	case e.states <- L:
	default:
	}
}

func sandbox(L *lua.State) {
	lua.OpenLibraries(L)
	L.Global(luaGlobalTableName)
	for _, name := range luaExclude {
		L.PushNil()
		L.SetField(luaGlobalTableIndex, name)
	}
	L.Pop(1)
}

func pushValue(L *lua.State, value any) {
	switch v := value.(type) {
	case string:
		L.PushString(v)
	case bool:
		L.PushBoolean(v)
	case int:
		L.PushInteger(v)
	case int64:
		L.PushInteger(int(v))
	case float64:
		L.PushNumber(v)
	case float32:
		L.PushNumber(float64(v))
	case []any:
		pushArray(L, v)
	case map[string]any:
		pushMap(L, v)
	case api.Data:
		pushMap(L, v)
	case nil:
		L.PushNil()
	default:
		L.PushString(fmt.Sprintf("%v", v))
	}
}

func pushArray(L *lua.State, arr []any) {
	L.CreateTable(len(arr), 0)
	for i, item := range arr {
		L.PushInteger(i + 1)
		pushValue(L, item)
		L.SetTable(luaTableIndex)
	}
}

func pushMap(L *lua.State, m map[string]any) {
	L.CreateTable(0, len(m))
	for k, v := range m {
		L.PushString(k)
		pushValue(L, v)
		L.SetTable(luaTableIndex)
	}
}
