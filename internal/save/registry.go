package save

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/worldvault/server/internal/core/event"
	"go.uber.org/zap"
)

// RegistryDeps bundles the collaborators a Registry is wired with. Store is
// required. Globals, Resolver, Migrator and Bus are optional: a nil Resolver
// makes every template lookup a miss, and so on. Loader is optional only for
// a registry that never saves: Load skips world switching without one, but
// Save stamps the world name from it, and a snapshot without a world name
// fails validation.
type RegistryDeps struct {
	Store    SnapshotStore
	Loader   WorldLoader
	Globals  GlobalStore
	Resolver TemplateResolver
	Migrator PayloadMigrator
	Bus      *event.Bus
	Log      *zap.Logger
}

// Registry tracks every live PersistentEntity, writes WorldSnapshots and
// runs the match/orphan/spawn reconciliation on load.
//
// Exactly one Registry exists per process, owned by the composition root.
// It outlives any single world: a world switch replaces the registered
// entity set, never the registry. All mutation (Register/Unregister/Save/
// Load) happens on the single game-loop goroutine, so no lock is held; the
// one suspend point is the world switch inside Load, guarded by `loading`.
type Registry struct {
	store    SnapshotStore
	loader   WorldLoader
	globals  GlobalStore
	resolver TemplateResolver
	migrator PayloadMigrator
	bus      *event.Bus
	log      *zap.Logger

	entities map[string]PersistentEntity
	loading  bool
}

func NewRegistry(deps RegistryDeps) *Registry {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		store:    deps.Store,
		loader:   deps.Loader,
		globals:  deps.Globals,
		resolver: deps.Resolver,
		migrator: deps.Migrator,
		bus:      deps.Bus,
		log:      log,
		entities: make(map[string]PersistentEntity, 256),
	}
}

// NewID generates a fresh collision-resistant entity id for authoring tools
// and template spawns. Uniqueness within one running application's save file
// is all that is required; determinism is not.
func (r *Registry) NewID() string {
	return uuid.NewString()
}

// Register inserts a live entity keyed by its persist id.
//
// Re-registering the same object under the same id is a no-op. A different
// object claiming a held id is a duplicate-id error: logged, not fatal —
// the earlier registrant wins and the newer one stays live but unpersisted
// until it gets a corrected id.
func (r *Registry) Register(e PersistentEntity) error {
	id := e.PersistID()
	if id == "" {
		r.log.Error("實體註冊失敗：persist id 為空", zap.String("type", fmt.Sprintf("%T", e)))
		return ErrEmptyPersistID
	}
	if cur, ok := r.entities[id]; ok {
		if cur == e {
			return nil
		}
		// 重複 ID 是沉默的資料毀損來源，先註冊者勝出
		r.log.Error("重複的 persist id，拒絕後註冊者",
			zap.String("id", id),
			zap.String("held_by", fmt.Sprintf("%T", cur)),
			zap.String("rejected", fmt.Sprintf("%T", e)))
		return fmt.Errorf("register %q: %w", id, ErrDuplicateID)
	}
	r.entities[id] = e
	return nil
}

// Unregister removes the entity's id if the entry still refers to this
// object. Called exactly once at entity teardown.
func (r *Registry) Unregister(e PersistentEntity) {
	id := e.PersistID()
	if cur, ok := r.entities[id]; ok && cur == e {
		delete(r.entities, id)
	}
}

// Lookup returns the live entity registered under id.
func (r *Registry) Lookup(id string) (PersistentEntity, bool) {
	e, ok := r.entities[id]
	return e, ok
}

// Len returns the number of live registered entities.
func (r *Registry) Len() int { return len(r.entities) }

// Each visits every live entity. The iteration works on a snapshot of the
// current set, so fn may register or unregister entities.
func (r *Registry) Each(fn func(e PersistentEntity)) {
	for _, id := range r.sortedIDs() {
		if e, ok := r.entities[id]; ok {
			fn(e)
		}
	}
}

// Save captures every live entity into a WorldSnapshot and writes it to the
// given slot. Save never mutates live state: an I/O failure is returned and
// the world is unaffected either way.
func (r *Registry) Save(ctx context.Context, slot string) error {
	if r.loading {
		return ErrLoadInProgress
	}
	snap := &WorldSnapshot{
		SaveID:  newSaveID(),
		Globals: map[string]any{},
		Records: make([]EntityRecord, 0, len(r.entities)),
	}
	if r.loader != nil {
		snap.WorldName = r.loader.CurrentWorld()
	}
	if r.globals != nil {
		snap.Globals = r.globals.CaptureGlobals()
	}
	// Capture in sorted-id order so identical worlds produce diffable files.
	for _, id := range r.sortedIDs() {
		snap.Records = append(snap.Records, r.entities[id].Capture())
	}

	data, err := Encode(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.store.Write(ctx, slot, data); err != nil {
		return fmt.Errorf("write slot %q: %w", slot, err)
	}
	r.log.Info("存檔完成",
		zap.String("slot", slot),
		zap.String("save_id", snap.SaveID),
		zap.String("world", snap.WorldName),
		zap.Int("entities", len(snap.Records)))
	if r.bus != nil {
		event.Emit(r.bus, event.SnapshotSaved{
			SaveID: snap.SaveID, Slot: slot,
			World: snap.WorldName, Entities: len(snap.Records),
		})
	}
	return nil
}

// Load reads the slot, optionally switches worlds, then reconciles the
// snapshot against the live entity set.
//
// A missing slot is a warn-and-ignore no-op. A parse failure aborts before
// any reconciliation step runs. Per-record template failures are collected
// into a *LoadError summary without failing the load as a whole.
func (r *Registry) Load(ctx context.Context, slot string) error {
	if r.loading {
		return ErrLoadInProgress
	}
	data, err := r.store.Read(ctx, slot)
	if errors.Is(err, ErrSlotNotFound) {
		r.log.Warn("讀檔略過：存檔欄位不存在", zap.String("slot", slot))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read slot %q: %w", slot, err)
	}
	snap, err := Decode(data)
	if err != nil {
		// 先解析再套用：此時尚未動到任何存活實體
		return fmt.Errorf("load slot %q: %w", slot, err)
	}

	r.loading = true
	defer func() { r.loading = false }()

	if r.loader != nil && snap.WorldName != r.loader.CurrentWorld() {
		ready, err := r.loader.RequestWorld(ctx, snap.WorldName)
		if err != nil {
			return fmt.Errorf("request world %q: %w", snap.WorldName, err)
		}
		// Block until the loader signals ready even when ctx is cancelled:
		// a requested switch cannot be recalled, and the loader goroutine is
		// mutating the registry until it closes the channel. Returning early
		// would hand the map back to the caller mid-teardown.
		r.log.Info("等待世界切換", zap.String("world", snap.WorldName))
		<-ready
		if err := ctx.Err(); err != nil {
			// Cancelled mid-switch: the fresh world stays as the loader
			// built it, reconciliation is skipped entirely.
			return fmt.Errorf("world switch to %q: %w", snap.WorldName, err)
		}
	}

	return r.reconcile(snap, slot)
}

// reconcile merges the snapshot with the live world in three passes:
// match, orphan, spawn. Spawning runs only after every live entity has had
// the chance to claim its record, otherwise a live entity could be treated
// as missing and duplicated by spawn.
func (r *Registry) reconcile(snap *WorldSnapshot, slot string) error {
	byID := make(map[string]EntityRecord, len(snap.Records))
	for _, rec := range snap.Records {
		byID[rec.ID] = rec
	}

	consumed := make(map[string]struct{}, len(snap.Records))
	var skipped []string
	var matched, orphaned, spawnedCount int

	// Match pass: live entities claim their records; the rest are orphans —
	// deactivated but never destroyed (destruction is the owner's decision).
	for _, id := range r.sortedIDs() {
		e := r.entities[id]
		rec, ok := byID[id]
		if !ok {
			e.SetActive(false)
			orphaned++
			r.log.Warn("孤兒實體：快照內無對應紀錄，已停用",
				zap.String("id", id))
			if r.bus != nil {
				event.Emit(r.bus, event.EntityOrphaned{ID: id})
			}
			continue
		}
		if err := r.applyRecord(e, rec); err != nil {
			skipped = append(skipped, id)
		} else {
			matched++
		}
		consumed[id] = struct{}{}
	}

	// Spawn pass, in snapshot order.
	for _, rec := range snap.Records {
		if _, done := consumed[rec.ID]; done {
			continue
		}
		// An entity may have registered under this id during the world
		// switch (e.g. spawned by scene logic); claim it instead of spawning
		// a duplicate.
		if e, ok := r.entities[rec.ID]; ok {
			if err := r.applyRecord(e, rec); err != nil {
				skipped = append(skipped, rec.ID)
			} else {
				matched++
			}
			continue
		}
		if !rec.HasTemplate() {
			r.log.Warn("紀錄無存活實體且不可由模板重生，捨棄",
				zap.String("id", rec.ID),
				zap.String("type_tag", rec.TypeTag))
			skipped = append(skipped, rec.ID)
			continue
		}
		e, err := r.spawn(rec)
		if err != nil {
			r.log.Error("模板重生失敗，略過紀錄",
				zap.String("id", rec.ID),
				zap.String("template", rec.Template()),
				zap.Error(err))
			skipped = append(skipped, rec.ID)
			continue
		}
		if err := r.applyRecord(e, rec); err != nil {
			skipped = append(skipped, rec.ID)
			continue
		}
		spawnedCount++
		if r.bus != nil {
			event.Emit(r.bus, event.EntitySpawned{ID: rec.ID, TemplateID: rec.Template()})
		}
	}

	if r.globals != nil {
		r.globals.ApplyGlobals(snap.Globals)
	}

	r.log.Info("讀檔完成",
		zap.String("slot", slot),
		zap.String("save_id", snap.SaveID),
		zap.String("world", snap.WorldName),
		zap.Int("matched", matched),
		zap.Int("orphaned", orphaned),
		zap.Int("spawned", spawnedCount),
		zap.Int("skipped", len(skipped)))
	if r.bus != nil {
		event.Emit(r.bus, event.SnapshotLoaded{
			SaveID: snap.SaveID, Slot: slot, World: snap.WorldName,
			Matched: matched, Orphaned: orphaned,
			Spawned: spawnedCount, Skipped: len(skipped),
		})
	}

	if len(skipped) > 0 {
		return &LoadError{SaveID: snap.SaveID, Skipped: skipped}
	}
	return nil
}

func (r *Registry) spawn(rec EntityRecord) (PersistentEntity, error) {
	if r.resolver == nil {
		if r.bus != nil {
			event.Emit(r.bus, event.TemplateMissing{ID: rec.ID, TemplateID: rec.Template()})
		}
		return nil, fmt.Errorf("no template resolver configured")
	}
	tpl, ok := r.resolver.Resolve(rec.Template())
	if !ok {
		if r.bus != nil {
			event.Emit(r.bus, event.TemplateMissing{ID: rec.ID, TemplateID: rec.Template()})
		}
		return nil, fmt.Errorf("template %q not found", rec.Template())
	}
	e, err := tpl.Spawn(r, rec)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("template %q produced no entity", rec.Template())
	}
	return e, nil
}

// applyRecord pushes transform and active state onto the entity, runs the
// optional payload migration, then hands the record to Restore.
func (r *Registry) applyRecord(e PersistentEntity, rec EntityRecord) error {
	e.SetTransform(rec.Position, rec.Rotation, rec.Scale)
	e.SetActive(rec.Active)
	if r.migrator != nil {
		migrated, changed, err := r.migrator.Migrate(rec.TypeTag, rec.Payload)
		if err != nil {
			r.log.Error("payload 遷移失敗，沿用原始內容",
				zap.String("id", rec.ID),
				zap.String("type_tag", rec.TypeTag),
				zap.Error(err))
		} else if changed {
			rec.Payload = migrated
		}
	}
	if err := e.Restore(rec); err != nil {
		r.log.Error("實體還原失敗",
			zap.String("id", rec.ID),
			zap.String("type_tag", rec.TypeTag),
			zap.Error(err))
		return err
	}
	return nil
}

func (r *Registry) sortedIDs() []string {
	ids := make([]string, 0, len(r.entities))
	for id := range r.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func newSaveID() string {
	return time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}
