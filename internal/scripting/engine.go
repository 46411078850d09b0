package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Engine wraps a single gopher-lua VM for save-data hooks.
// Single-goroutine access only (game loop).
//
// Two hook families are recognized:
//   - migrate_<type_tag>(payload) -> payload: rewrites an entity payload
//     document before Restore (old-save upgrades);
//   - arbitrary spawn hook functions named by a template's spawn_hook field,
//     called as fn(entity_id, template_id) after a template spawn.
type Engine struct {
	vm  *lua.LState
	log *zap.Logger
}

// NewEngine creates a Lua engine and loads all scripts from the given
// directory and its "migrations" and "hooks" subdirectories.
func NewEngine(scriptsDir string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, log: log}

	if err := e.loadDir(scriptsDir); err != nil {
		vm.Close()
		return nil, fmt.Errorf("load scripts: %w", err)
	}
	for _, sub := range []string{"migrations", "hooks"} {
		if err := e.loadDir(filepath.Join(scriptsDir, sub)); err != nil {
			vm.Close()
			return nil, fmt.Errorf("load %s scripts: %w", sub, err)
		}
	}
	return e, nil
}

func (e *Engine) Close() {
	e.vm.Close()
}

// loadDir loads all .lua files in a directory.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // skip missing dirs
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// Migrate implements save.PayloadMigrator. Absence of a migration function
// for the type tag is the common case and costs one global lookup.
func (e *Engine) Migrate(typeTag, payload string) (string, bool, error) {
	if typeTag == "" {
		return payload, false, nil
	}
	fn := e.vm.GetGlobal("migrate_" + strings.ToLower(typeTag))
	if fn == lua.LNil {
		return payload, false, nil
	}
	if err := e.vm.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LString(payload)); err != nil {
		return payload, false, fmt.Errorf("migrate_%s: %w", strings.ToLower(typeTag), err)
	}
	ret := e.vm.Get(-1)
	e.vm.Pop(1)
	s, ok := ret.(lua.LString)
	if !ok {
		return payload, false, fmt.Errorf("migrate_%s: returned %s, want string", strings.ToLower(typeTag), ret.Type())
	}
	if string(s) == payload {
		return payload, false, nil
	}
	return string(s), true, nil
}

// CallSpawnHook implements template.Hooks.
func (e *Engine) CallSpawnHook(name, entityID, templateID string) error {
	fn := e.vm.GetGlobal(name)
	if fn == lua.LNil {
		return fmt.Errorf("spawn hook %q not defined", name)
	}
	if err := e.vm.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true},
		lua.LString(entityID), lua.LString(templateID)); err != nil {
		return fmt.Errorf("spawn hook %q: %w", name, err)
	}
	return nil
}
