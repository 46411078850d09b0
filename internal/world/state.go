package world

// State holds per-run global game state outside any single entity: the name
// of the active world plus the opaque globals map (score, elapsed time, ...)
// the registry passes through on save/load.
//
// Accessed only from the game loop goroutine — no locks needed.
type State struct {
	current string
	globals map[string]any
}

func NewState(initialWorld string) *State {
	return &State{
		current: initialWorld,
		globals: map[string]any{},
	}
}

// CurrentWorld returns the name of the active world.
func (s *State) CurrentWorld() string { return s.current }

func (s *State) setCurrentWorld(name string) { s.current = name }

// SetGlobal stores one top-level value (primitive types only, so the
// snapshot document round-trips it unchanged).
func (s *State) SetGlobal(key string, value any) { s.globals[key] = value }

// Global reads one top-level value.
func (s *State) Global(key string) (any, bool) {
	v, ok := s.globals[key]
	return v, ok
}

// CaptureGlobals implements save.GlobalStore.
func (s *State) CaptureGlobals() map[string]any {
	out := make(map[string]any, len(s.globals))
	for k, v := range s.globals {
		out[k] = v
	}
	return out
}

// ApplyGlobals implements save.GlobalStore. The loaded map replaces the
// current one wholesale; the registry never interprets its contents.
func (s *State) ApplyGlobals(globals map[string]any) {
	s.globals = make(map[string]any, len(globals))
	for k, v := range globals {
		s.globals[k] = v
	}
}
