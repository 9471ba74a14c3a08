package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"TroveLedger/internal/config"
	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/ingestion"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/oracle"
	"TroveLedger/internal/persistence"
	"TroveLedger/internal/projection"
	"TroveLedger/internal/query"
	"TroveLedger/internal/server"
	"TroveLedger/migrations"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// inbound is a command from NATS together with its delivery handle.
type inbound struct {
	evt event.Event
	ack func()
	nak func()
}

// serve runs the service until SIGINT/SIGTERM or a fatal error.
//
// Shutdown drains front to back: ingress stops, the core loop applies what
// is already buffered and closes its output channels, the bridge and the
// workers drain and flush, and a final snapshot is written last.
func serve(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLoggerWith("troveledger", cfg.Log)
	logger.Info().Msg("TroveLedger starting")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetricsWith(reg)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := openDB(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, migrations.Files, logger).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	snapMgr := persistence.NewSnapshotManager(db)

	// --- Engine and core ---
	params, err := cfg.Params()
	if err != nil {
		return err
	}
	prices := oracle.NewStore(params.MaxPriceAge)
	engine, err := core.NewEngine(params, prices,
		core.WithLogger(observability.NewLoggerWith("engine", cfg.Log)),
		core.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)

	gate := &replayGate{inner: persistence.NewPostgresIdempotencyChecker(db)}
	dc := core.NewDeterministicCore(core.CoreConfig{
		IdempotencyCapacity: cfg.IdempotencyLRUCapacity,
		InvariantEvery:      cfg.InvariantEvery,
	}, engine, prices, persistCoreChan, projectionCoreChan, gate, observability.NewLoggerWith("core", cfg.Log), metrics)

	// Everything already in the log is replayed but not written again.
	persistFrom := int64(0)
	if latest, ok, err := snapMgr.GetLatestSequence(ctx); err != nil {
		return fmt.Errorf("read log head: %w", err)
	} else if ok {
		persistFrom = latest + 1
	}

	// The pipeline outlives ctx so buffered commands are flushed on shutdown.
	g, gctx := errgroup.WithContext(ctx)
	pipeCtx := context.WithoutCancel(gctx)

	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.NewLoggerWith("persistence", cfg.Log))
	g.Go(func() error { return persistWorker.Run(pipeCtx) })

	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, metrics, observability.NewLoggerWith("projection", cfg.Log))
	g.Go(func() error {
		if err := projWorker.Run(pipeCtx); err != nil {
			logger.Error().Err(err).Msg("projection worker stopped")
		}
		return nil
	})

	b := &bridge{
		persistIn:     persistCoreChan,
		projectionIn:  projectionCoreChan,
		persistOut:    persistWorkerChan,
		projectionOut: projectionWorkerChan,
		publishOut:    publishChan,
		persistFrom:   persistFrom,
		metrics:       metrics,
		logger:        logger,
	}
	g.Go(func() error {
		defer close(persistWorkerChan)
		defer close(projectionWorkerChan)
		defer close(publishChan)
		return b.Run(pipeCtx)
	})

	// --- Recovery ---
	if _, err := restoreSnapshot(ctx, dc, snapMgr, logger); err != nil {
		return abort(g, persistCoreChan, projectionCoreChan, fmt.Errorf("restore snapshot: %w", err))
	}
	if _, err := replayEventLog(ctx, dc, snapMgr, metrics, logger); err != nil {
		return abort(g, persistCoreChan, projectionCoreChan, fmt.Errorf("event replay: %w", err))
	}
	gate.live.Store(true)
	if keys, err := snapMgr.LoadRecentIdempotencyKeys(ctx, cfg.IdempotencyLRUCapacity); err != nil {
		logger.Warn().Err(err).Msg("could not warm idempotency cache")
	} else {
		dc.WarmLRU(keys)
	}

	var sequence atomic.Int64
	sequence.Store(dc.GetSequence())

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return abort(g, persistCoreChan, projectionCoreChan, err)
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return abort(g, persistCoreChan, projectionCoreChan, err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
		return abort(g, persistCoreChan, projectionCoreChan, err)
	}

	rawChan := make(chan ingestion.RawEvent, cfg.EventChanSize)
	natsEvents := make(chan inbound, cfg.EventChanSize)
	adminEvents := make(chan event.Event, cfg.EventChanSize)

	subscriber := ingestion.NewNATSSubscriber(js, rawChan, observability.NewLoggerWith("nats", cfg.Log))
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return abort(g, persistCoreChan, projectionCoreChan, fmt.Errorf("nats subscribe: %w", err))
	}
	defer subscriber.Stop()

	publisher := ingestion.NewOutboundPublisher(js, publishChan, observability.NewLoggerWith("publisher", cfg.Log))
	g.Go(func() error {
		if err := publisher.Run(pipeCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		runParseLoop(gctx, rawChan, natsEvents, metrics, logger)
		return nil
	})

	// --- Snapshots ---
	snaps := newSnapshotter(snapMgr, params, cfg.SnapshotKeep, metrics, observability.NewLoggerWith("snapshot", cfg.Log))
	g.Go(func() error { return snaps.Run(gctx) })

	// --- Core loop ---
	finalSnap := make(chan *core.SnapshotState, 1)
	g.Go(func() error {
		defer close(persistCoreChan)
		defer close(projectionCoreChan)
		err := runCoreLoop(gctx, pipeCtx, dc, natsEvents, adminEvents, snaps, cfg.SnapshotInterval, &sequence, logger)
		if engine.Halted() == nil {
			finalSnap <- dc.CreateSnapshotState()
		}
		close(finalSnap)
		return err
	})

	// --- API ---
	srv, err := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		QueryService:  query.NewQueryService(engine, db, sequence.Load),
		Injector:      ingestion.NewInjector(adminEvents),
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Gatherer:      reg,
		Logger:        logger,
	})
	if err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error { return srv.StartHTTPGateway(gctx) })

	healthChecker.AddCheck("engine", engine.Halted)
	healthChecker.AddCheck("nats", func() error {
		if !nc.IsConnected() {
			return errors.New("disconnected")
		}
		return nil
	})
	healthChecker.AddCheck("postgres", func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	healthChecker.SetReady(true)
	srv.SetServing(true)

	logger.Info().
		Int64("sequence", sequence.Load()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Msg("TroveLedger ready")

	<-gctx.Done()
	logger.Info().Msg("shutting down")
	healthChecker.SetReady(false)
	srv.SetServing(false)
	subscriber.Stop()

	waitErr := g.Wait()

	// The persistence worker has flushed, so the log covers the snapshot.
	if st, ok := <-finalSnap; ok {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := snaps.Save(shutdownCtx, st); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		}
	}

	logger.Info().Msg("TroveLedger shutdown complete")
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

// abort stops the pipeline goroutines after a startup failure.
func abort(g *errgroup.Group, persist, proj chan core.CoreOutput, err error) error {
	close(persist)
	close(proj)
	_ = g.Wait()
	return err
}

// runParseLoop turns raw NATS messages into typed commands. Malformed
// messages are acked and dropped since redelivery cannot fix them.
func runParseLoop(ctx context.Context, in <-chan ingestion.RawEvent, out chan<- inbound, metrics *observability.Metrics, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-in:
			evt, err := ingestion.ParseRawEvent(raw, raw.EventType)
			if err != nil {
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("invalid command dropped")
				if metrics != nil {
					metrics.CoreEventsRejected.WithLabelValues(raw.EventType, "malformed").Inc()
				}
				ack(raw.AckFunc)
				continue
			}
			select {
			case out <- inbound{evt: evt, ack: raw.AckFunc, nak: raw.NakFunc}:
			case <-ctx.Done():
				ack(raw.NakFunc)
				return
			}
		}
	}
}

// runCoreLoop is the only goroutine that touches the DeterministicCore once
// the service is live. NATS deliveries are acked after the core has handed
// the command to persistence.
func runCoreLoop(
	ctx, drainCtx context.Context,
	dc *core.DeterministicCore,
	natsEvents <-chan inbound,
	adminEvents <-chan event.Event,
	snaps *snapshotter,
	interval int64,
	sequence *atomic.Int64,
	logger zerolog.Logger,
) error {
	lastSnap := dc.GetSequence()

	apply := func(runCtx context.Context, evt event.Event) error {
		err := dc.ProcessEvent(runCtx, evt)
		sequence.Store(dc.GetSequence())
		if err != nil {
			if errors.Is(err, core.ErrInvariantViolation) {
				return err
			}
			logger.Warn().Err(err).Str("event_type", evt.EventType().String()).Str("key", evt.IdempotencyKey()).Msg("command not applied")
			return errNotApplied
		}
		if interval > 0 && dc.GetSequence()-lastSnap >= interval {
			if snaps.Offer(dc.CreateSnapshotState()) {
				lastSnap = dc.GetSequence()
			}
		}
		return nil
	}
	handleNATS := func(runCtx context.Context, in inbound) error {
		err := apply(runCtx, in.evt)
		switch {
		case err == nil:
			ack(in.ack)
		case errors.Is(err, errNotApplied):
			ack(in.nak)
		default:
			ack(in.nak)
			return err
		}
		return nil
	}
	handleAdmin := func(runCtx context.Context, evt event.Event) error {
		if err := apply(runCtx, evt); err != nil && !errors.Is(err, errNotApplied) {
			return err
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return drain(drainCtx, natsEvents, adminEvents, handleNATS, handleAdmin)
		case in := <-natsEvents:
			if err := handleNATS(ctx, in); err != nil {
				return err
			}
		case evt := <-adminEvents:
			if err := handleAdmin(ctx, evt); err != nil {
				return err
			}
		}
	}
}

var errNotApplied = errors.New("command not applied")

// drain applies commands that were already buffered when shutdown began.
func drain(
	ctx context.Context,
	natsEvents <-chan inbound,
	adminEvents <-chan event.Event,
	handleNATS func(context.Context, inbound) error,
	handleAdmin func(context.Context, event.Event) error,
) error {
	for {
		select {
		case in := <-natsEvents:
			if err := handleNATS(ctx, in); err != nil {
				return err
			}
		case evt := <-adminEvents:
			if err := handleAdmin(ctx, evt); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func ack(fn func()) {
	if fn != nil {
		fn()
	}
}
