package clearcms

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/yuin/gopher-lua"
	"layeh.com/gopher-luar"
)

// luaModule is a Lua script loaded on behalf of a plugin. A module ends up
// with an exports table, filled in one of three ways:
//
//	return function(namespace, exports) exports.shout = ... end
//	return { shout = ... }
//	exports.shout = ...
//
// The Lua state isn't safe for concurrent use, every call into it holds
// locker.
type luaModule struct {
	filename string

	locker  sync.Mutex
	state   *lua.LState
	exports *lua.LTable
}

func (m *luaModule) log(logger echo.Logger) lua.LGFunction {
	return func(l *lua.LState) int {
		n := l.GetTop()
		parts := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			parts = append(parts, l.ToStringMeta(l.Get(i)).String())
		}
		logger.Printf("%v: %v", filepath.Base(m.filename), strings.Join(parts, " "))
		return 0
	}
}

func loadLuaModule(filename string, ns *Namespace, logger echo.Logger) (*luaModule, error) {
	l := lua.NewState()
	m := &luaModule{filename: filename, state: l}

	nsValue := luar.New(l, ns)
	exports := l.NewTable()
	l.SetGlobal("namespace", nsValue)
	l.SetGlobal("exports", exports)

	mt := l.NewTypeMetatable("clearcms")
	l.SetGlobal("clearcms", mt)
	l.SetField(mt, "log", l.NewFunction(m.log(logger)))

	top := l.GetTop()
	if err := l.DoFile(filename); err != nil {
		l.Close()
		return nil, err
	}
	ret := lua.LValue(lua.LNil)
	if l.GetTop() > top {
		ret = l.Get(top + 1)
		l.SetTop(top)
	}

	switch v := ret.(type) {
	case *lua.LFunction:
		err := l.CallByParam(lua.P{
			Fn:      v,
			NRet:    0,
			Protect: true,
		}, nsValue, exports)
		if err != nil {
			l.Close()
			return nil, err
		}
		m.exports = exports
	case *lua.LTable:
		m.exports = v
	case *lua.LNilType:
		m.exports = exports
	default:
		l.Close()
		return nil, fmt.Errorf("module returned a %v, expected a function or a table", ret.Type())
	}

	return m, nil
}

// loadOptionalLuaModule is loadLuaModule, except that a missing file yields a
// nil module and no error.
func loadOptionalLuaModule(filename string, ns *Namespace, logger echo.Logger) (*luaModule, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	logger.Printf("Loading Lua module '%v'", filename)
	m, err := loadLuaModule(filename, ns, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load Lua module '%v': %v", filename, err)
	}
	return m, nil
}

// each calls f for every export, sorted by name.
func (m *luaModule) each(f func(name string, v lua.LValue)) {
	m.locker.Lock()
	type export struct {
		name string
		v    lua.LValue
	}
	var l []export
	m.exports.ForEach(func(k, v lua.LValue) {
		if s, ok := k.(lua.LString); ok {
			l = append(l, export{string(s), v})
		}
	})
	m.locker.Unlock()

	sort.Slice(l, func(i, j int) bool {
		return l[i].name < l[j].name
	})
	for _, e := range l {
		f(e.name, e.v)
	}
}

// value converts an exported Lua value to Go.
func (m *luaModule) value(lv lua.LValue) interface{} {
	m.locker.Lock()
	defer m.locker.Unlock()
	return fromLua(lv)
}

// call runs f with args and returns its first result converted to Go. When
// ctx is non-nil, the call is aborted once ctx is done.
func (m *luaModule) call(ctx context.Context, f *lua.LFunction, args ...interface{}) (interface{}, error) {
	m.locker.Lock()
	defer m.locker.Unlock()

	l := m.state
	if ctx != nil {
		l.SetContext(ctx)
		defer l.RemoveContext()
	}

	luaArgs := make([]lua.LValue, len(args))
	for i, v := range args {
		luaArgs[i] = toLua(l, v)
	}

	err := l.CallByParam(lua.P{
		Fn:      f,
		NRet:    1,
		Protect: true,
	}, luaArgs...)
	if err != nil {
		return nil, fmt.Errorf("Lua error in '%v': %v", filepath.Base(m.filename), err)
	}

	ret := l.Get(-1)
	l.Pop(1)
	return fromLua(ret), nil
}

func (m *luaModule) Close() error {
	m.locker.Lock()
	m.state.Close()
	m.locker.Unlock()
	return nil
}

// toLua converts a Go value for use by a Lua script. Plain maps and slices
// become tables, so that scripts can iterate them with pairs.
func toLua(l *lua.LState, v interface{}) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return v
	case map[string]interface{}:
		t := l.CreateTable(0, len(v))
		for k, item := range v {
			t.RawSetString(k, toLua(l, item))
		}
		return t
	case []interface{}:
		t := l.CreateTable(len(v), 0)
		for i, item := range v {
			t.RawSetInt(i+1, toLua(l, item))
		}
		return t
	case []string:
		t := l.CreateTable(len(v), 0)
		for i, item := range v {
			t.RawSetInt(i+1, lua.LString(item))
		}
		return t
	default:
		return luar.New(l, v)
	}
}

// fromLua converts a Lua value to plain Go values: tables with contiguous
// integer keys starting at 1 become slices, other tables become maps.
// Functions convert to nil.
func fromLua(lv lua.LValue) interface{} {
	return fromLuaVisited(lv, make(map[*lua.LTable]bool))
}

func fromLuaVisited(lv lua.LValue, visited map[*lua.LTable]bool) interface{} {
	switch v := lv.(type) {
	case nil:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		defer delete(visited, v)
		return tableFromLua(v, visited)
	case *lua.LUserData:
		return v.Value
	default:
		return nil
	}
}

func tableFromLua(t *lua.LTable, visited map[*lua.LTable]bool) interface{} {
	n := 0
	isArray := true
	t.ForEach(func(k, _ lua.LValue) {
		n++
		kn, ok := k.(lua.LNumber)
		if !ok || float64(kn) != float64(int(kn)) || int(kn) < 1 {
			isArray = false
		}
	})
	if isArray && n > 0 && t.Len() == n {
		l := make([]interface{}, n)
		for i := 1; i <= n; i++ {
			l[i-1] = fromLuaVisited(t.RawGetInt(i), visited)
		}
		return l
	}

	m := make(map[string]interface{}, n)
	t.ForEach(func(k, v lua.LValue) {
		if _, ok := v.(*lua.LFunction); ok {
			return
		}
		m[k.String()] = fromLuaVisited(v, visited)
	})
	return m
}
