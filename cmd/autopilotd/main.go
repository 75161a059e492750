// Command autopilotd is the long-running controller: it resolves
// configuration, restores or creates workflow state, wires every
// collaborator, and drives the phase loop until completion, operator
// abort, or a terminating signal.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"autopilot/internal/activity"
	"autopilot/internal/broker"
	"autopilot/internal/config"
	"autopilot/internal/eventlog"
	"autopilot/internal/facade"
	"autopilot/internal/httpapi"
	"autopilot/internal/ipc"
	"autopilot/internal/logx"
	"autopilot/internal/metrics"
	"autopilot/internal/notify"
	"autopilot/internal/orchestrator"
	"autopilot/internal/state"
)

func main() {
	fmt.Println("autopilotd boot")

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	logx.SetBufferSize(cfg.RingBufferSize)
	logger := logx.NewLogger("main")

	app, err := newApp(cfg)
	if err != nil {
		logger.Error("startup failed: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := app.run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	app.shutdown(shutdownCtx)

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			logger.Info("interrupted, exiting")
			os.Exit(130)
		}
		logger.Error("run failed: %v", runErr)
		os.Exit(1)
	}
}

// app holds every wired collaborator for one run of the controller.
type app struct {
	cfg      config.Config
	store    *state.Store
	broker   *broker.Broker
	facade   *facade.Facade
	notifier *notify.Manager
	events   *eventlog.Writer
	activity *activity.Store
	metrics  *metrics.Metrics
	server   *httpapi.Server
	orch     *orchestrator.Orchestrator

	heartbeat    *ipc.HeartbeatWriter
	answerPoller *ipc.AnswerPoller
	logger       *logx.Logger

	wg         sync.WaitGroup
	cancelBg   context.CancelFunc
	shutOnce   sync.Once
}

func newApp(cfg config.Config) (*app, error) {
	logDir := filepath.Join(cfg.ProjectDir, "autopilot-log")
	statePath := filepath.Join(logDir, "state.json")
	eventsPath := filepath.Join(logDir, "events.ndjson")
	activityPath := filepath.Join(logDir, "activity.json")
	activityDBPath := filepath.Join(logDir, "activity.db")
	heartbeatPath := filepath.Join(logDir, "heartbeat.json")
	answersDir := filepath.Join(logDir, "answers")

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	var store *state.Store
	if cfg.Resume {
		s, err := state.Restore(statePath)
		if err != nil {
			var rerr *state.RestoreError
			if errors.As(err, &rerr) && rerr.Kind == state.ErrNotFound {
				return nil, fmt.Errorf("--resume given but no prior state found at %s", statePath)
			}
			return nil, fmt.Errorf("restore state: %w", err)
		}
		store = s
	} else {
		store = state.CreateFresh(statePath, cfg.ProjectDir)
	}

	events, err := eventlog.NewWriter(eventsPath)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	act, err := activity.Open(activityPath, activityDBPath, 500)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("open activity store: %w", err)
	}

	m := metrics.New()

	br := broker.New()
	br.AddListener(orchestrator.NewQuestionListener(store, m))

	runtime := facade.NewSubprocessRuntime(agentBinary(), nil, cfg.ProjectDir)
	fac := facade.New(runtime, br, cfg.CommandTimeout)

	adapters := notify.BuildAdapters(cfg.NotifyChannels, cfg.WebhookURL)
	notifier := notify.New(adapters, cfg.ReminderInterval)

	srv := httpapi.New(store, br, act, eventsPath, m)

	orch := orchestrator.New(cfg, store, br, fac, notifier, events, act, m)

	hb := ipc.NewHeartbeatWriter(heartbeatPath, cfg.HeartbeatInterval)
	ap := ipc.NewAnswerPoller(answersDir, cfg.AnswerPollInterval, br)

	return &app{
		cfg:          cfg,
		store:        store,
		broker:       br,
		facade:       fac,
		notifier:     notifier,
		events:       events,
		activity:     act,
		metrics:      m,
		server:       srv,
		orch:         orch,
		heartbeat:    hb,
		answerPoller: ap,
		logger:       logx.NewLogger("main"),
	}, nil
}

// agentBinary resolves which external agent CLI to invoke. Overridable via
// AUTOPILOT_AGENT_BIN for local development and tests against a stub.
func agentBinary() string {
	if v := os.Getenv("AUTOPILOT_AGENT_BIN"); v != "" {
		return v
	}
	return "autopilot-agent"
}

// run starts the background collaborators, initializes the roadmap (or
// resumes a pending one), and drives the phase loop to completion or
// cancellation.
func (a *app) run(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	a.cancelBg = cancel

	if err := a.server.Start(a.cfg.Port); err != nil {
		var portErr *httpapi.PortInUseError
		if errors.As(err, &portErr) {
			return portErr
		}
		return fmt.Errorf("start response surface: %w", err)
	}

	a.notifier.Init(bgCtx)

	a.wg.Add(2)
	go func() { defer a.wg.Done(); a.heartbeat.Run(bgCtx) }()
	go func() { defer a.wg.Done(); a.answerPoller.Run(bgCtx) }()

	brief := a.cfg.PRDPath
	if !a.cfg.Resume {
		data, err := os.ReadFile(brief)
		if err != nil {
			return fmt.Errorf("read product brief %s: %w", brief, err)
		}
		brief = string(data)
	}

	if err := a.orch.Initialize(ctx, brief); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	return a.orch.Run(ctx)
}

// shutdown sequences teardown in reverse registration order: stop
// accepting new background work, abort any in-flight command, reject
// every pending question handle, close the Response Surface, flush the
// event log, and close notification adapters. Idempotent.
func (a *app) shutdown(ctx context.Context) {
	a.shutOnce.Do(func() {
		if a.cancelBg != nil {
			a.cancelBg()
		}
		a.facade.Abort()
		a.broker.RejectAll(broker.RejectShuttingDown)

		if err := a.server.Close(ctx); err != nil {
			a.logger.Warn("close response surface: %v", err)
		}

		a.wg.Wait()

		if err := a.events.Close(); err != nil {
			a.logger.Warn("close event log: %v", err)
		}
		if err := a.activity.Close(); err != nil {
			a.logger.Warn("close activity store: %v", err)
		}

		a.notifier.Close(ctx)

		a.logger.Info("shutdown complete")
	})
}
