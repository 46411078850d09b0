package world

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/worldvault/server/internal/save"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SceneEntry is one scene-authored entity in a world's scene file.
// Ids are assigned at authoring time and must be unique per scene.
type SceneEntry struct {
	ID       string     `yaml:"id"`
	Kind     string     `yaml:"kind"`
	Template string     `yaml:"template"` // non-empty for template-respawnable scene spawns
	Payload  string     `yaml:"payload"`
	Position save.Vec3  `yaml:"position"`
	Rotation *save.Quat `yaml:"rotation"`
	Scale    *save.Vec3 `yaml:"scale"`
	Inactive bool       `yaml:"inactive"` // entities default to active
}

type sceneFile struct {
	World    string       `yaml:"world"`
	Entities []SceneEntry `yaml:"entities"`
}

// Factory mirrors template.Factory so scene-authored entities share
// constructors with template spawns.
type Factory interface {
	New(kind string, reg *save.Registry, rec save.EntityRecord) (save.PersistentEntity, error)
}

// Loader implements save.WorldLoader over YAML scene files,
// <sceneDir>/<name>.yaml. A world switch tears down every currently
// registered entity and registers the fresh scene's authored set.
//
// RequestWorld populates the world on a separate goroutine and closes the
// ready channel when done. This is safe without locks because the registry
// owner is parked inside Load waiting for that channel for the whole window;
// a cancelled Load still drains the channel before handing control back.
type Loader struct {
	state    *State
	reg      *save.Registry
	factory  Factory
	sceneDir string
	log      *zap.Logger
}

func NewLoader(state *State, factory Factory, sceneDir string, log *zap.Logger) *Loader {
	return &Loader{
		state:    state,
		factory:  factory,
		sceneDir: sceneDir,
		log:      log,
	}
}

// Bind wires the registry. Must be called before the first RequestWorld;
// split from the constructor because registry and loader reference each
// other.
func (l *Loader) Bind(reg *save.Registry) { l.reg = reg }

// CurrentWorld implements save.WorldLoader.
func (l *Loader) CurrentWorld() string { return l.state.CurrentWorld() }

// RequestWorld implements save.WorldLoader. The scene file is read and
// parsed synchronously so configuration errors surface to the caller;
// entity teardown and authoring happen behind the ready channel.
func (l *Loader) RequestWorld(_ context.Context, name string) (<-chan struct{}, error) {
	if l.reg == nil {
		return nil, fmt.Errorf("world loader not bound to a registry")
	}
	scene, err := l.readScene(name)
	if err != nil {
		return nil, err
	}

	ready := make(chan struct{})
	go func() {
		defer close(ready)
		l.despawnAll()
		l.populate(name, scene)
		l.state.setCurrentWorld(name)
		l.log.Info("世界載入完成",
			zap.String("world", name),
			zap.Int("scene_entities", len(scene.Entities)))
	}()
	return ready, nil
}

func (l *Loader) readScene(name string) (*sceneFile, error) {
	if name == "" || name != filepath.Base(name) {
		return nil, fmt.Errorf("invalid world name %q", name)
	}
	path := filepath.Join(l.sceneDir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scene %s: %w", path, err)
	}
	var scene sceneFile
	if err := yaml.Unmarshal(data, &scene); err != nil {
		return nil, fmt.Errorf("parse scene %s: %w", path, err)
	}
	if scene.World != "" && scene.World != name {
		return nil, fmt.Errorf("scene %s declares world %q", path, scene.World)
	}
	return &scene, nil
}

// despawnAll unregisters every live entity: the old world owns them and a
// world switch is their destruction.
func (l *Loader) despawnAll() {
	l.reg.Each(func(e save.PersistentEntity) {
		l.reg.Unregister(e)
	})
}

func (l *Loader) populate(name string, scene *sceneFile) {
	for _, entry := range scene.Entities {
		rec := save.EntityRecord{
			ID:         entry.ID,
			TemplateID: save.TemplateRef(entry.Template),
			Position:   entry.Position,
			Rotation:   save.IdentityQuat(),
			Scale:      save.UnitScale(),
			Active:     !entry.Inactive,
			Payload:    entry.Payload,
			TypeTag:    entry.Kind,
		}
		if entry.Rotation != nil {
			rec.Rotation = *entry.Rotation
		}
		if entry.Scale != nil {
			rec.Scale = *entry.Scale
		}
		e, err := l.factory.New(entry.Kind, l.reg, rec)
		if err != nil {
			l.log.Error("場景實體建立失敗",
				zap.String("world", name),
				zap.String("id", entry.ID),
				zap.String("kind", entry.Kind),
				zap.Error(err))
			continue
		}
		e.SetTransform(rec.Position, rec.Rotation, rec.Scale)
		e.SetActive(rec.Active)
		if rec.Payload != "" {
			if err := e.Restore(rec); err != nil {
				l.log.Error("場景實體初始 payload 無效",
					zap.String("world", name),
					zap.String("id", entry.ID),
					zap.Error(err))
			}
		}
	}
}
