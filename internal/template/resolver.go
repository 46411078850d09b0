package template

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/worldvault/server/internal/save"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Definition is one spawnable template loaded from YAML.
type Definition struct {
	ID             string `yaml:"id"`
	Kind           string `yaml:"kind"`            // entity constructor name
	DefaultPayload string `yaml:"default_payload"` // applied when the record payload is empty
	SpawnHook      string `yaml:"spawn_hook"`      // optional lua function called after spawn
}

// Factory constructs a registered entity of the given kind.
// entity.Factory is the production implementation.
type Factory interface {
	New(kind string, reg *save.Registry, rec save.EntityRecord) (save.PersistentEntity, error)
}

// Hooks receives post-spawn callbacks (implemented by scripting.Engine).
type Hooks interface {
	CallSpawnHook(fn, entityID, templateID string) error
}

type templatesFile struct {
	Templates []Definition `yaml:"templates"`
}

// Resolver implements save.TemplateResolver. Lookup order: the explicit
// table loaded at startup, then a per-template asset file
// <assetDir>/<id>.yaml. A miss is (nil, false); the registry reports it.
type Resolver struct {
	table    map[string]*Definition
	factory  Factory
	hooks    Hooks
	assetDir string
	log      *zap.Logger
}

func NewResolver(factory Factory, assetDir string, log *zap.Logger) *Resolver {
	return &Resolver{
		table:    make(map[string]*Definition, 64),
		factory:  factory,
		assetDir: assetDir,
		log:      log,
	}
}

// SetHooks wires the optional scripting engine.
func (r *Resolver) SetHooks(h Hooks) { r.hooks = h }

// LoadTable loads the explicit template table from a YAML file.
func (r *Resolver) LoadTable(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read template table: %w", err)
	}
	var f templatesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse template table: %w", err)
	}
	for i := range f.Templates {
		def := &f.Templates[i]
		if def.ID == "" {
			return fmt.Errorf("template table %s: entry %d has empty id", path, i)
		}
		if _, dup := r.table[def.ID]; dup {
			return fmt.Errorf("template table %s: duplicate id %q", path, def.ID)
		}
		r.table[def.ID] = def
	}
	return nil
}

// Define inserts a template directly (tests, programmatic setup).
func (r *Resolver) Define(def Definition) {
	d := def
	r.table[d.ID] = &d
}

// Count returns the number of loaded template definitions.
func (r *Resolver) Count() int { return len(r.table) }

// Resolve implements save.TemplateResolver: the explicit table first, then
// the per-template asset file. An asset hit is written back into the table,
// so repeated lookups from the load path read the file once; a miss caches
// nothing and is retried on the next call.
func (r *Resolver) Resolve(templateID string) (save.Template, bool) {
	if def, ok := r.table[templateID]; ok {
		return &tpl{def: def, res: r}, true
	}
	def, err := r.loadAsset(templateID)
	if err != nil {
		return nil, false
	}
	r.table[def.ID] = def // cache the asset hit
	return &tpl{def: def, res: r}, true
}

// loadAsset is the fallback asset-registry lookup: one YAML definition per
// file, named after the template id.
func (r *Resolver) loadAsset(templateID string) (*Definition, error) {
	if r.assetDir == "" || templateID != filepath.Base(templateID) {
		return nil, fmt.Errorf("no asset lookup for %q", templateID)
	}
	path := filepath.Join(r.assetDir, templateID+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		r.log.Error("模板資產檔解析失敗", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	if def.ID == "" {
		def.ID = templateID
	}
	if def.ID != templateID {
		return nil, fmt.Errorf("asset %s declares id %q", path, def.ID)
	}
	return &def, nil
}

type tpl struct {
	def *Definition
	res *Resolver
}

// Spawn constructs the entity for a record. An unknown kind is a
// configuration error: the error is returned and the record skipped.
func (t *tpl) Spawn(reg *save.Registry, rec save.EntityRecord) (save.PersistentEntity, error) {
	e, err := t.res.factory.New(t.def.Kind, reg, rec)
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", t.def.ID, err)
	}
	// Seed defaults first; the record payload applied by the registry
	// afterwards overrides them.
	if t.def.DefaultPayload != "" && rec.Payload == "" {
		seeded := rec
		seeded.Payload = t.def.DefaultPayload
		if err := e.Restore(seeded); err != nil {
			reg.Unregister(e)
			return nil, fmt.Errorf("template %q default payload: %w", t.def.ID, err)
		}
	}
	if t.def.SpawnHook != "" && t.res.hooks != nil {
		if err := t.res.hooks.CallSpawnHook(t.def.SpawnHook, rec.ID, t.def.ID); err != nil {
			t.res.log.Error("spawn hook 執行失敗",
				zap.String("hook", t.def.SpawnHook),
				zap.String("id", rec.ID),
				zap.Error(err))
		}
	}
	return e, nil
}
