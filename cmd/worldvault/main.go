package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/worldvault/server/internal/config"
	"github.com/worldvault/server/internal/core/event"
	coresys "github.com/worldvault/server/internal/core/system"
	"github.com/worldvault/server/internal/entity"
	"github.com/worldvault/server/internal/persist"
	"github.com/worldvault/server/internal/save"
	"github.com/worldvault/server/internal/scripting"
	"github.com/worldvault/server/internal/system"
	"github.com/worldvault/server/internal/template"
	"github.com/worldvault/server/internal/world"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(serverName string) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m           WorldVault  v0.1.0              \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m      世界狀態存檔與調和引擎               \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1m伺服器:\033[0m %s\n\n", serverName)
}

// displayWidth counts terminal columns, CJK runes taking two.
func displayWidth(s string) int {
	w := 0
	for _, r := range s {
		if r > 0x7F {
			w += 2
		} else {
			w++
		}
	}
	return w
}

func pad(fill string, n int) string {
	if n < 3 {
		n = 3
	}
	return strings.Repeat(fill, n)
}

func printSection(title string) {
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, pad("─", 45-displayWidth(title)))
}

func printStat(label string, count int) {
	num := fmt.Sprintf("%d", count)
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n",
		label, pad("·", 42-displayWidth(label)-len(num)), num)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main logic ─────────────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfgPath := "config/server.toml"
	if p := os.Getenv("WORLDVAULT_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name)

	// 3. Snapshot storage backend
	printSection("存檔儲存")
	var store save.SnapshotStore
	switch cfg.Save.Backend {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		db, err := persist.OpenDB(ctx, cfg.Database, log)
		if err != nil {
			cancel()
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			cancel()
			return fmt.Errorf("migrations: %w", err)
		}
		cancel()
		store = persist.NewSlotRepo(db)
		printOK("PostgreSQL 存檔後端就緒")
	case "file":
		fs, err := persist.NewFileStore(cfg.Save.Dir, log)
		if err != nil {
			return fmt.Errorf("file store: %w", err)
		}
		store = fs
		printOK(fmt.Sprintf("檔案存檔後端就緒 (%s)", cfg.Save.Dir))
	default:
		return fmt.Errorf("unknown save backend %q", cfg.Save.Backend)
	}

	// 4. Lua scripting engine (payload migrations + spawn hooks)
	var engine *scripting.Engine
	if cfg.World.ScriptsDir != "" {
		engine, err = scripting.NewEngine(cfg.World.ScriptsDir, log)
		if err != nil {
			return fmt.Errorf("lua engine: %w", err)
		}
		defer engine.Close()
		printOK("Lua 腳本載入完成")
	}

	// 5. Templates and world
	printSection("資料載入")
	factory := entity.Factory{}
	resolver := template.NewResolver(factory, cfg.World.AssetDir, log)
	if cfg.World.TemplateFile != "" {
		if err := resolver.LoadTable(cfg.World.TemplateFile); err != nil {
			return fmt.Errorf("load template table: %w", err)
		}
	}
	printStat("實體模板", resolver.Count())
	if engine != nil {
		resolver.SetHooks(engine)
	}

	worldState := world.NewState(cfg.World.Initial)
	loader := world.NewLoader(worldState, factory, cfg.World.SceneDir, log)

	// 6. Entity registry (one per process, outlives every world)
	bus := event.NewBus()
	regDeps := save.RegistryDeps{
		Store:    store,
		Loader:   loader,
		Globals:  worldState,
		Resolver: resolver,
		Bus:      bus,
		Log:      log,
	}
	if engine != nil {
		regDeps.Migrator = engine
	}
	reg := save.NewRegistry(regDeps)
	loader.Bind(reg)

	event.Subscribe(bus, func(ev event.EntityOrphaned) {
		log.Warn("實體已孤兒化", zap.String("id", ev.ID))
	})
	event.Subscribe(bus, func(ev event.EntitySpawned) {
		log.Info("模板重生實體", zap.String("id", ev.ID), zap.String("template", ev.TemplateID))
	})

	// 7. Boot into the initial world
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()
	ready, err := loader.RequestWorld(bootCtx, cfg.World.Initial)
	if err != nil {
		return fmt.Errorf("load initial world: %w", err)
	}
	select {
	case <-ready:
	case <-bootCtx.Done():
		return fmt.Errorf("load initial world: %w", bootCtx.Err())
	}
	printStat("場景實體", reg.Len())

	// 8. Restore the previous session, if any
	if err := reg.Load(context.Background(), cfg.Save.Slot); err != nil {
		var loadErr *save.LoadError
		if errors.As(err, &loadErr) {
			log.Warn("讀檔部分套用", zap.Strings("skipped", loadErr.Skipped))
		} else {
			return fmt.Errorf("restore session: %w", err)
		}
	}

	// 9. Systems
	autosave := system.NewAutosaveSystem(reg, cfg.Save.Slot, log, cfg.Save.AutosaveTicks)
	runner := coresys.NewRunner()
	runner.Register(system.NewEventDispatchSystem(bus))
	runner.Register(&simulationSystem{state: worldState})
	runner.Register(autosave)

	// 10. Game loop
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Server.TickRate)
	defer ticker.Stop()

	printSection("伺服器就緒")
	printReady(fmt.Sprintf("世界 %s (tick: %s)", worldState.CurrentWorld(), cfg.Server.TickRate))
	fmt.Println()

	for {
		select {
		case <-ticker.C:
			runner.Tick(cfg.Server.TickRate)
		case sig := <-shutdownCh:
			log.Info("收到關閉信號", zap.String("signal", sig.String()))
			autosave.SaveNow()
			log.Info("伺服器已停止")
			return nil
		}
	}
}

// simulationSystem is a tiny stand-in for gameplay: it accumulates elapsed
// time into the globals so saves have something world-level to carry.
type simulationSystem struct {
	state   *world.State
	elapsed time.Duration
}

func (s *simulationSystem) Phase() coresys.Phase { return coresys.PhaseUpdate }

func (s *simulationSystem) Update(dt time.Duration) {
	s.elapsed += dt
	s.state.SetGlobal("elapsed_seconds", s.elapsed.Seconds())
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
