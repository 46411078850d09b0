package save

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ── test doubles ───────────────────────────────────────────────────

type memStore struct {
	slots    map[string][]byte
	writeErr error
}

func newMemStore() *memStore {
	return &memStore{slots: map[string][]byte{}}
}

func (s *memStore) Write(_ context.Context, slot string, data []byte) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.slots[slot] = cp
	return nil
}

func (s *memStore) Read(_ context.Context, slot string) ([]byte, error) {
	data, ok := s.slots[slot]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return data, nil
}

type stubLoader struct {
	current   string
	ready     chan struct{}
	requested chan string
}

func newStubLoader(current string) *stubLoader {
	return &stubLoader{
		current:   current,
		ready:     make(chan struct{}),
		requested: make(chan string, 1),
	}
}

func (l *stubLoader) CurrentWorld() string { return l.current }

func (l *stubLoader) RequestWorld(_ context.Context, name string) (<-chan struct{}, error) {
	l.requested <- name
	return l.ready, nil
}

type stubEntity struct {
	id       string
	template string
	pos      Vec3
	rot      Quat
	scale    Vec3
	active   bool
	payload  string

	restoreErr   error
	restoreCalls int
}

func newStubEntity(id string) *stubEntity {
	return &stubEntity{id: id, rot: IdentityQuat(), scale: UnitScale(), active: true}
}

func (e *stubEntity) PersistID() string { return e.id }

func (e *stubEntity) Capture() EntityRecord {
	return EntityRecord{
		ID:         e.id,
		TemplateID: TemplateRef(e.template),
		Position:   e.pos,
		Rotation:   e.rot,
		Scale:      e.scale,
		Active:     e.active,
		Payload:    e.payload,
		TypeTag:    "Stub",
	}
}

func (e *stubEntity) Restore(rec EntityRecord) error {
	e.restoreCalls++
	if e.restoreErr != nil {
		return e.restoreErr
	}
	e.payload = rec.Payload
	return nil
}

func (e *stubEntity) WantsTemplateSpawn() bool { return e.template != "" }
func (e *stubEntity) TemplateID() string       { return e.template }

func (e *stubEntity) SetTransform(pos Vec3, rot Quat, scale Vec3) {
	e.pos, e.rot, e.scale = pos, rot, scale
}

func (e *stubEntity) SetActive(active bool) { e.active = active }
func (e *stubEntity) IsActive() bool        { return e.active }

type stubTemplate struct {
	id       string
	spawnErr error
}

func (t *stubTemplate) Spawn(reg *Registry, rec EntityRecord) (PersistentEntity, error) {
	if t.spawnErr != nil {
		return nil, t.spawnErr
	}
	e := newStubEntity(rec.ID)
	e.template = t.id
	if err := reg.Register(e); err != nil {
		return nil, err
	}
	return e, nil
}

type stubResolver struct {
	templates map[string]Template
}

func (r *stubResolver) Resolve(id string) (Template, bool) {
	t, ok := r.templates[id]
	return t, ok
}

type stubGlobals struct {
	values  map[string]any
	applied map[string]any
}

func (g *stubGlobals) CaptureGlobals() map[string]any { return g.values }
func (g *stubGlobals) ApplyGlobals(m map[string]any)  { g.applied = m }

func newTestRegistry(t *testing.T, mutate func(*RegistryDeps)) (*Registry, *memStore, *stubLoader) {
	t.Helper()
	store := newMemStore()
	loader := newStubLoader("town")
	deps := RegistryDeps{Store: store, Loader: loader}
	if mutate != nil {
		mutate(&deps)
	}
	return NewRegistry(deps), store, loader
}

func putSnapshot(t *testing.T, store *memStore, snap *WorldSnapshot) {
	t.Helper()
	if snap.SaveID == "" {
		snap.SaveID = "test-save"
	}
	data, err := Encode(snap)
	require.NoError(t, err)
	store.slots["slot0"] = data
}

// ── registration ───────────────────────────────────────────────────

func TestRegisterDuplicateIDKeepsOriginal(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)

	first := newStubEntity("A")
	second := newStubEntity("A")

	require.NoError(t, reg.Register(first))
	err := reg.Register(second)
	require.ErrorIs(t, err, ErrDuplicateID)

	got, ok := reg.Lookup("A")
	require.True(t, ok)
	assert.Same(t, first, got.(*stubEntity))
}

func TestRegisterSameObjectIsNoop(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)
	e := newStubEntity("A")

	require.NoError(t, reg.Register(e))
	require.NoError(t, reg.Register(e))
	assert.Equal(t, 1, reg.Len())
}

func TestRegisterEmptyID(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)
	err := reg.Register(newStubEntity(""))
	require.ErrorIs(t, err, ErrEmptyPersistID)
	assert.Equal(t, 0, reg.Len())
}

func TestUnregisterOnlyRemovesOwnEntry(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)
	held := newStubEntity("A")
	rejected := newStubEntity("A")

	require.NoError(t, reg.Register(held))
	require.Error(t, reg.Register(rejected))

	// The rejected object must not evict the winner on teardown.
	reg.Unregister(rejected)
	_, ok := reg.Lookup("A")
	assert.True(t, ok)

	reg.Unregister(held)
	_, ok = reg.Lookup("A")
	assert.False(t, ok)
}

func TestNewIDUnique(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)
	a, b := reg.NewID(), reg.NewID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

// ── save ───────────────────────────────────────────────────────────

func TestSaveWritesSnapshot(t *testing.T) {
	globals := &stubGlobals{values: map[string]any{"score": 42.0}}
	reg, store, _ := newTestRegistry(t, func(d *RegistryDeps) { d.Globals = globals })

	a := newStubEntity("A")
	a.payload = `{"value":5}`
	require.NoError(t, reg.Register(a))

	require.NoError(t, reg.Save(context.Background(), "slot0"))

	snap, err := Decode(store.slots["slot0"])
	require.NoError(t, err)
	assert.Equal(t, "town", snap.WorldName)
	assert.NotEmpty(t, snap.SaveID)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "A", snap.Records[0].ID)
	assert.Equal(t, `{"value":5}`, snap.Records[0].Payload)
	assert.Equal(t, 42.0, snap.Globals["score"])
}

func TestSaveWriteFailureSurfaces(t *testing.T) {
	reg, store, _ := newTestRegistry(t, nil)
	store.writeErr = fmt.Errorf("disk full")
	require.NoError(t, reg.Register(newStubEntity("A")))

	err := reg.Save(context.Background(), "slot0")
	require.ErrorContains(t, err, "disk full")
}

func TestSaveWithoutWorldContextFailsValidation(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(RegistryDeps{Store: store})
	require.NoError(t, reg.Register(newStubEntity("A")))

	// No Loader means no world name to stamp; the snapshot must be rejected
	// before it reaches storage.
	err := reg.Save(context.Background(), "slot0")
	require.ErrorContains(t, err, "empty world_name")
	assert.Empty(t, store.slots)
}

func TestSaveIsDeterministicallyOrdered(t *testing.T) {
	reg, store, _ := newTestRegistry(t, nil)
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, reg.Register(newStubEntity(id)))
	}
	require.NoError(t, reg.Save(context.Background(), "slot0"))

	snap, err := Decode(store.slots["slot0"])
	require.NoError(t, err)
	require.Len(t, snap.Records, 3)
	assert.Equal(t, "a", snap.Records[0].ID)
	assert.Equal(t, "b", snap.Records[1].ID)
	assert.Equal(t, "c", snap.Records[2].ID)
}

// ── load: pure match path ──────────────────────────────────────────

func TestSaveLoadRoundTripIsIdempotent(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)

	a := newStubEntity("A")
	a.pos = Vec3{X: 1, Y: 2, Z: 3}
	a.payload = `{"value":5}`
	b := newStubEntity("B")
	b.active = false
	b.payload = `{"health":80}`
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))

	before := []EntityRecord{a.Capture(), b.Capture()}

	require.NoError(t, reg.Save(context.Background(), "slot0"))
	require.NoError(t, reg.Load(context.Background(), "slot0"))

	assert.Equal(t, before, []EntityRecord{a.Capture(), b.Capture()})
	assert.Equal(t, 2, reg.Len())
}

func TestLoadAppliesTransformBeforeRestore(t *testing.T) {
	reg, store, _ := newTestRegistry(t, nil)
	a := newStubEntity("A")
	require.NoError(t, reg.Register(a))

	putSnapshot(t, store, &WorldSnapshot{
		WorldName: "town",
		Records: []EntityRecord{{
			ID:       "A",
			Position: Vec3{X: 9},
			Rotation: IdentityQuat(),
			Scale:    UnitScale(),
			Active:   true,
			Payload:  `{"value":1}`,
			TypeTag:  "Stub",
		}},
	})

	require.NoError(t, reg.Load(context.Background(), "slot0"))
	assert.Equal(t, Vec3{X: 9}, a.pos)
	assert.Equal(t, `{"value":1}`, a.payload)
	assert.Equal(t, 1, a.restoreCalls)
}

func TestLoadMissingSlotIsNoop(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)
	a := newStubEntity("A")
	a.payload = "untouched"
	require.NoError(t, reg.Register(a))

	require.NoError(t, reg.Load(context.Background(), "nothing-here"))
	assert.Equal(t, "untouched", a.payload)
	assert.True(t, a.IsActive())
}

func TestLoadCorruptSnapshotAbortsBeforeReconcile(t *testing.T) {
	reg, store, _ := newTestRegistry(t, nil)
	a := newStubEntity("A")
	a.payload = "untouched"
	require.NoError(t, reg.Register(a))

	store.slots["slot0"] = []byte(`{"save_id": "x", "world_name":`)
	err := reg.Load(context.Background(), "slot0")
	require.Error(t, err)

	// Parse-then-apply: nothing may have been touched.
	assert.Equal(t, "untouched", a.payload)
	assert.True(t, a.IsActive())
	assert.Equal(t, 0, a.restoreCalls)
}

// ── load: orphans ──────────────────────────────────────────────────

func TestOrphanIsDeactivatedNotDestroyed(t *testing.T) {
	reg, store, _ := newTestRegistry(t, nil)
	a := newStubEntity("A")
	x := newStubEntity("X")
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(x))

	putSnapshot(t, store, &WorldSnapshot{
		WorldName: "town",
		Records:   []EntityRecord{a.Capture()},
	})

	require.NoError(t, reg.Load(context.Background(), "slot0"))

	assert.False(t, x.IsActive())
	_, stillRegistered := reg.Lookup("X")
	assert.True(t, stillRegistered)
	assert.Equal(t, 0, x.restoreCalls)
}

// ── load: spawn pass ───────────────────────────────────────────────

func coinResolver() *stubResolver {
	return &stubResolver{templates: map[string]Template{
		"Coin": &stubTemplate{id: "Coin"},
	}}
}

func TestTemplateRespawn(t *testing.T) {
	reg, store, _ := newTestRegistry(t, func(d *RegistryDeps) { d.Resolver = coinResolver() })

	putSnapshot(t, store, &WorldSnapshot{
		WorldName: "town",
		Records: []EntityRecord{{
			ID:         "coin-1",
			TemplateID: TemplateRef("Coin"),
			Rotation:   IdentityQuat(),
			Scale:      UnitScale(),
			Active:     true,
			Payload:    `{"value":5}`,
			TypeTag:    "Collectible",
		}},
	})

	require.NoError(t, reg.Load(context.Background(), "slot0"))

	e, ok := reg.Lookup("coin-1")
	require.True(t, ok)
	assert.Equal(t, `{"value":5}`, e.Capture().Payload)
	assert.True(t, e.IsActive())
	assert.Equal(t, 1, reg.Len())
}

func TestDoubleLoadSpawnsNoDuplicate(t *testing.T) {
	reg, store, _ := newTestRegistry(t, func(d *RegistryDeps) { d.Resolver = coinResolver() })

	putSnapshot(t, store, &WorldSnapshot{
		WorldName: "town",
		Records: []EntityRecord{{
			ID:         "coin-1",
			TemplateID: TemplateRef("Coin"),
			Rotation:   IdentityQuat(),
			Scale:      UnitScale(),
			Active:     true,
			Payload:    `{"value":5}`,
		}},
	})

	require.NoError(t, reg.Load(context.Background(), "slot0"))
	first, ok := reg.Lookup("coin-1")
	require.True(t, ok)

	// Second load's match pass must claim the first load's spawn by id.
	require.NoError(t, reg.Load(context.Background(), "slot0"))
	second, ok := reg.Lookup("coin-1")
	require.True(t, ok)
	assert.Same(t, first.(*stubEntity), second.(*stubEntity))
	assert.Equal(t, 1, reg.Len())
}

func TestUnresolvableTemplateIsSkippedNotFatal(t *testing.T) {
	reg, store, _ := newTestRegistry(t, func(d *RegistryDeps) { d.Resolver = coinResolver() })
	b := newStubEntity("B")
	require.NoError(t, reg.Register(b))

	putSnapshot(t, store, &WorldSnapshot{
		WorldName: "town",
		Records: []EntityRecord{
			{ID: "ghost", TemplateID: TemplateRef("NoSuchTemplate"), Rotation: IdentityQuat(), Scale: UnitScale()},
			{ID: "B", Rotation: IdentityQuat(), Scale: UnitScale(), Active: true, Payload: `{"health":80}`},
		},
	})

	err := reg.Load(context.Background(), "slot0")
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, []string{"ghost"}, loadErr.Skipped)

	// Partial success: the matched record was still applied.
	assert.Equal(t, `{"health":80}`, b.payload)
	_, exists := reg.Lookup("ghost")
	assert.False(t, exists)
}

func TestRecordWithoutTemplateIsDropped(t *testing.T) {
	reg, store, _ := newTestRegistry(t, nil)

	putSnapshot(t, store, &WorldSnapshot{
		WorldName: "town",
		Records: []EntityRecord{
			{ID: "gone", Rotation: IdentityQuat(), Scale: UnitScale(), Payload: `{"health":80}`},
		},
	})

	err := reg.Load(context.Background(), "slot0")
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, []string{"gone"}, loadErr.Skipped)
	assert.Equal(t, 0, reg.Len())
}

// Concrete scenario from the save-format contract: snapshot has a
// template-spawnable coin A and a scene-authored B; only B is live.
func TestReconcileScenario(t *testing.T) {
	reg, store, _ := newTestRegistry(t, func(d *RegistryDeps) { d.Resolver = coinResolver() })

	b := newStubEntity("B")
	require.NoError(t, reg.Register(b))

	putSnapshot(t, store, &WorldSnapshot{
		WorldName: "town",
		Records: []EntityRecord{
			{ID: "A", TemplateID: TemplateRef("Coin"), Rotation: IdentityQuat(), Scale: UnitScale(), Active: true, Payload: `{"value":5}`},
			{ID: "B", Rotation: IdentityQuat(), Scale: UnitScale(), Active: true, Payload: `{"health":80}`},
		},
	})

	require.NoError(t, reg.Load(context.Background(), "slot0"))

	assert.Equal(t, `{"health":80}`, b.payload)
	spawned, ok := reg.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, `{"value":5}`, spawned.Capture().Payload)
	assert.Equal(t, 2, reg.Len())
}

// ── load: globals ──────────────────────────────────────────────────

func TestGlobalsPassThrough(t *testing.T) {
	globals := &stubGlobals{values: map[string]any{"score": 7.0, "zone": "east"}}
	reg, _, _ := newTestRegistry(t, func(d *RegistryDeps) { d.Globals = globals })

	require.NoError(t, reg.Save(context.Background(), "slot0"))
	require.NoError(t, reg.Load(context.Background(), "slot0"))

	require.NotNil(t, globals.applied)
	assert.Equal(t, 7.0, globals.applied["score"])
	assert.Equal(t, "east", globals.applied["zone"])
}

// ── load: world switch + reentrancy ────────────────────────────────

func TestLoadSuspendsOnWorldSwitchAndRejectsReentrancy(t *testing.T) {
	reg, store, loader := newTestRegistry(t, nil)

	putSnapshot(t, store, &WorldSnapshot{
		SaveID:    "dungeon-save",
		WorldName: "dungeon",
		Records:   []EntityRecord{},
	})

	done := make(chan error, 1)
	go func() {
		done <- reg.Load(context.Background(), "slot0")
	}()

	select {
	case name := <-loader.requested:
		assert.Equal(t, "dungeon", name)
	case <-time.After(time.Second):
		t.Fatal("world switch was never requested")
	}

	// Suspended on the world switch: Save and Load must be rejected.
	assert.ErrorIs(t, reg.Save(context.Background(), "slot0"), ErrLoadInProgress)
	assert.ErrorIs(t, reg.Load(context.Background(), "slot0"), ErrLoadInProgress)

	loader.current = "dungeon"
	close(loader.ready)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("load never resumed")
	}

	// Guard released: saving works again.
	assert.NoError(t, reg.Save(context.Background(), "slot0"))
}

func TestLoadCancelledDuringSwitchSkipsReconcile(t *testing.T) {
	reg, store, loader := newTestRegistry(t, nil)
	a := newStubEntity("A")
	a.payload = "untouched"
	require.NoError(t, reg.Register(a))

	putSnapshot(t, store, &WorldSnapshot{
		WorldName: "dungeon",
		Records:   []EntityRecord{{ID: "A", Rotation: IdentityQuat(), Scale: UnitScale(), Payload: "changed"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- reg.Load(ctx, "slot0")
	}()

	<-loader.requested
	cancel()

	// Cancellation does not release the suspend: the switch is still in
	// flight, so Load stays parked and the guard stays held.
	select {
	case err := <-done:
		t.Fatalf("load returned before the loader was ready: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.ErrorIs(t, reg.Save(context.Background(), "slot0"), ErrLoadInProgress)

	loader.current = "dungeon"
	close(loader.ready)

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("load never returned after the loader finished")
	}

	// Reconciliation was skipped entirely: no record was applied.
	assert.Equal(t, "untouched", a.payload)
	assert.True(t, a.IsActive())
	assert.Equal(t, 0, a.restoreCalls)
	assert.NoError(t, reg.Save(context.Background(), "slot0"))
}

func TestLoadSameWorldSkipsSwitch(t *testing.T) {
	reg, store, loader := newTestRegistry(t, nil)
	putSnapshot(t, store, &WorldSnapshot{WorldName: "town"})

	require.NoError(t, reg.Load(context.Background(), "slot0"))
	select {
	case name := <-loader.requested:
		t.Fatalf("unexpected world switch to %q", name)
	default:
	}
}

// ── load: payload migration ────────────────────────────────────────

type upcaseMigrator struct{}

func (upcaseMigrator) Migrate(typeTag, payload string) (string, bool, error) {
	if typeTag != "Stub" || payload == "" {
		return payload, false, nil
	}
	return payload + `:v2`, true, nil
}

func TestPayloadMigratorRunsBeforeRestore(t *testing.T) {
	reg, store, _ := newTestRegistry(t, func(d *RegistryDeps) { d.Migrator = upcaseMigrator{} })
	a := newStubEntity("A")
	require.NoError(t, reg.Register(a))

	putSnapshot(t, store, &WorldSnapshot{
		WorldName: "town",
		Records:   []EntityRecord{{ID: "A", Rotation: IdentityQuat(), Scale: UnitScale(), Active: true, Payload: "old", TypeTag: "Stub"}},
	})

	require.NoError(t, reg.Load(context.Background(), "slot0"))
	assert.Equal(t, "old:v2", a.payload)
}

// ── load: restore failures ─────────────────────────────────────────

func TestRestoreFailureCountsAsSkipped(t *testing.T) {
	reg, store, _ := newTestRegistry(t, nil)
	a := newStubEntity("A")
	a.restoreErr = errors.New("bad payload")
	require.NoError(t, reg.Register(a))

	putSnapshot(t, store, &WorldSnapshot{
		WorldName: "town",
		Records:   []EntityRecord{{ID: "A", Rotation: IdentityQuat(), Scale: UnitScale(), Active: true}},
	})

	err := reg.Load(context.Background(), "slot0")
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, []string{"A"}, loadErr.Skipped)
}
