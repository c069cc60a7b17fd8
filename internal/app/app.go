package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hookrelay/internal/config"
	"hookrelay/internal/eventbus"
	"hookrelay/internal/events"
	"hookrelay/internal/httpapi"
	"hookrelay/internal/observability/pprof"
	"hookrelay/internal/registry"
	"hookrelay/internal/relay"
	"hookrelay/internal/runtime/supervisor"
	"hookrelay/internal/scheduler"
	"hookrelay/internal/storage"
	"hookrelay/internal/telegram"
	logx "hookrelay/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	client *telegram.Client
	store  storage.Store
	chats  *registry.Registry
	bus    eventbus.Bus
	pub    events.Publisher
	fwd    *events.Forwarder
	relay  *relay.Service
	http   *httpapi.Server
	probe  *scheduler.Scheduler
	debug  *pprof.Service
}

type Option func(*config.ConfigManager)

// WithLookup replaces the environment lookup used for overrides.
func WithLookup(fn config.LookupFunc) Option {
	return func(m *config.ConfigManager) { m.SetLookup(fn) }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	for _, o := range opts {
		o(cfgm)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	tcfg, _ := mapTelegram(cfg)
	client := telegram.New(tcfg)

	// Bootstrap with the Telegram sink off so a missing ops chat does not warn
	// before the final config is applied.
	lcfg := mapLogging(cfg)
	boot := lcfg
	boot.Telegram.Enabled = false
	logSvc, log := logx.New(boot, client)
	logSvc.Apply(lcfg)
	log = log.With(logx.String("comp", "app"))

	if cfgm.FileMissing() {
		log.Warn("config file not found; using defaults and environment", logx.String("path", cfgPath))
	}

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	chats := registry.New(store, log.With(logx.String("comp", "registry")))
	bus := eventbus.New()

	ecfg := mapEvents(cfg)
	pub := events.Open(ecfg, log.With(logx.String("comp", "events")))
	fwd := events.NewForwarder(bus, pub, ecfg.Producer, log.With(logx.String("comp", "events")))

	ropts, _ := mapRelayOptions(cfg)
	svc := relay.NewService(relay.Deps{
		API:   client,
		Chats: chats,
		Audit: store,
		Bus:   bus,
		Log:   log.With(logx.String("comp", "relay")),
	}, ropts)

	gin.SetMode(gin.ReleaseMode)
	hcfg, _ := mapHTTP(cfg)
	srv := httpapi.New(hcfg, svc, chats, log.With(logx.String("comp", "http")))

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		client: client,
		store:  store,
		chats:  chats,
		bus:    bus,
		pub:    pub,
		fwd:    fwd,
		relay:  svc,
		http:   srv,
	}
	a.probe = scheduler.New("probe", a.runProbe, 30*time.Second, log.With(logx.String("comp", "probe")))
	a.debug = pprof.New(mapPprof(cfg), a.stats, log.With(logx.String("comp", "pprof")))
	return a, nil
}

// Done is closed when the supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Bound reports the HTTP listener address each time it binds.
func (a *App) Bound() <-chan string { return a.http.Bound() }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	n := a.chats.Load(a.sup.Context())
	a.log.Info("chat registry loaded", logx.Int("chats", n))

	// Register before the watcher starts so no reload is missed.
	sub := a.cfgm.Subscribe(8)

	a.sup.GoRestart("http.serve", a.http.Serve, supervisor.WithBackoff(500*time.Millisecond, 10*time.Second), supervisor.WithMaxRestarts(5))
	a.sup.GoRestart("events.forward", a.fwd.Run)
	a.sup.Go("probe.scheduler", func(c context.Context) error {
		return a.probe.Run(c, mapProbe(a.cfgm.Get()))
	})
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	if a.debug.Enabled() {
		// optional observability; never fatal
		a.sup.GoRestart("pprof.serve", a.debug.Run, supervisor.WithBackoff(time.Second, time.Minute))
	}
	a.sup.Go("systemd.watchdog", func(c context.Context) error { return watchdog(c, a.log) })

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.Bool("telegram_ready", a.client.Ready()))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(newCfg))

	if tcfg, err := mapTelegram(newCfg); err != nil {
		a.log.Warn("invalid telegram config; keeping previous", logx.Err(err))
	} else {
		a.client.Apply(tcfg)
	}
	if ropts, err := mapRelayOptions(newCfg); err != nil {
		a.log.Warn("invalid relay config; keeping previous", logx.Err(err))
	} else {
		a.relay.Apply(ropts)
	}
	if hcfg, err := mapHTTP(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Apply(hcfg)
	}
	if err := a.probe.Apply(mapProbe(newCfg)); err != nil {
		a.log.Warn("invalid probe config; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// stats is the /debug/stats snapshot.
func (a *App) stats() any {
	total, failed := a.probe.Runs()
	out := map[string]any{
		"registry_size":  a.chats.Len(),
		"bus_dropped":    a.bus.Dropped(),
		"probe_runs":     total,
		"probe_failed":   failed,
		"telegram_ready": a.client.Ready(),
	}
	if a.sup != nil {
		out["tasks"] = a.sup.Stats()
	}
	return out
}

// runProbe is the scheduled upstream check. Failures are logged by the
// scheduler and, at warn level, reach the ops chat.
func (a *App) runProbe(ctx context.Context) error {
	p := a.relay.Probe(ctx)
	if p.GetMeErr != nil {
		return p.GetMeErr
	}
	if !p.GetMeOK {
		return errors.New("getMe returned ok=false")
	}
	if p.ResolveErr != nil {
		return p.ResolveErr
	}
	fields := []logx.Field{logx.String("bot", p.BotUsername)}
	if p.ResolveAttempted {
		fields = append(fields, logx.String("default_chat_id", p.ResolvedDefault))
	}
	a.log.Debug("probe ok", fields...)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Cancel first so the listener and background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// The supervisor waits for the HTTP drain, the forwarder and the reload loop.
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("events", 2*time.Second, func(context.Context) error { return a.pub.Close() })
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	for _, st := range a.sup.Stats() {
		if st.Restarts > 0 || st.Panics > 0 || st.LastErr != "" {
			a.log.Info("task stats",
				logx.String("task", st.Name),
				logx.Int("starts", st.Starts),
				logx.Int("restarts", st.Restarts),
				logx.Int("panics", st.Panics),
				logx.String("last_err", st.LastErr),
			)
		}
	}
	if d := a.bus.Dropped(); d > 0 {
		a.log.Warn("event bus dropped events", logx.Uint64("dropped", d))
	}
	total, failed := a.probe.Runs()
	a.log.Info("stopped", logx.Uint64("probe_runs", total), logx.Uint64("probe_failed", failed))
	return a.logs.Close()
}
