package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arbfarm/arbfarm/internal/consensus"
	"github.com/arbfarm/arbfarm/internal/exitqueue"
	"github.com/arbfarm/arbfarm/internal/feed"
	"github.com/arbfarm/arbfarm/internal/service"
)

// services bundles the core service layer shared by every mode.
type services struct {
	strategies *service.StrategyService
	ledger     *service.Ledger
	positions  *service.PositionService
	edges      *service.EdgeService
	queue      *exitqueue.Queue
	dispatcher *exitqueue.Dispatcher
}

// buildServices constructs the service layer on top of the wired
// dependencies. Every mode executes trades (entries in intake, exits
// everywhere), so a configured relay is required across the board.
func (a *App) buildServices(deps *Dependencies) (*services, error) {
	if deps.Executor == nil {
		return nil, fmt.Errorf("app: executor.relay_url is required")
	}

	engine := consensus.NewEngine(
		[]consensus.Voter{
			consensus.ProfitVoter{MinNetBps: 50, W: 1},
			consensus.RiskVoter{MaxScore: 100, W: 1},
			consensus.SimulationVoter{W: 1},
		},
		consensus.Config{
			VoterTimeout:    a.cfg.Consensus.VoterTimeout.Duration,
			OverallDeadline: a.cfg.Consensus.OverallDeadline.Duration,
		},
		a.logger,
	)

	strategies := service.NewStrategyService(
		deps.StrategyStore, deps.PositionStore, deps.AuditStore, a.logger,
	)
	ledger := service.NewLedger(
		deps.CapitalStore, deps.LockManager, deps.Notifier, deps.Bus, a.logger,
	)
	positions := service.NewPositionService(
		deps.PositionStore, ledger, deps.Bus, deps.AuditStore, a.logger,
	)
	edges := service.NewEdgeService(
		deps.EdgeStore,
		deps.ConsensusStore,
		strategies,
		ledger,
		engine,
		deps.Executor,
		deps.Executor,
		positions,
		deps.Bus,
		deps.AuditStore,
		a.logger,
	)

	queue := exitqueue.NewQueue(deps.ExitSignalStore, positions, deps.Bus, a.logger)
	positions.SetExitSignaler(queue)

	dispatcher := exitqueue.NewDispatcher(
		deps.ExitSignalStore,
		positions,
		edges,
		deps.Executor,
		deps.RateLimiter,
		deps.Notifier,
		deps.Bus,
		exitqueue.Backoff{
			Base:          a.cfg.Exit.BaseBackoff.Duration,
			Max:           a.cfg.Exit.MaxBackoff.Duration,
			RateLimitBase: a.cfg.Exit.RateLimitBackoff.Duration,
		},
		exitqueue.DispatcherConfig{
			PollInterval: a.cfg.Exit.PollInterval.Duration,
			MaxAttempts:  a.cfg.Exit.MaxAttempts,
			BatchSize:    a.cfg.Exit.BatchSize,
			CallTimeout:  a.cfg.Executor.CallTimeout.Duration,
			RateLimit:    a.cfg.Executor.RateLimit,
			RateWindow:   a.cfg.Executor.RateWindow.Duration,
		},
		a.logger,
	)

	return &services{
		strategies: strategies,
		ledger:     ledger,
		positions:  positions,
		edges:      edges,
		queue:      queue,
		dispatcher: dispatcher,
	}, nil
}

// startIntake runs the candidate intake pipeline and the edge expiry sweeper.
func (a *App) startIntake(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) {
	if a.cfg.Loops.Intake {
		scanner := feed.NewBusScanner(deps.Bus, a.logger)
		intake := service.NewIntake(scanner, svc.edges, a.logger)
		g.Go(func() error {
			return intake.Run(ctx)
		})
	}
	sweeper := service.NewExpirySweeper(svc.edges, 30*time.Second, 100, a.logger)
	g.Go(func() error {
		return sweeper.Run(ctx)
	})
}

// startMonitoring runs the price feed, the position monitor, and the exit
// dispatcher. The archiver joins when object storage is wired.
func (a *App) startMonitoring(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) {
	if a.cfg.Loops.Monitor {
		if a.cfg.Feed.WsURL != "" {
			priceFeed := feed.NewPriceFeed(a.cfg.Feed.WsURL, deps.PriceCache, a.logger)
			subSync := feed.NewSubscriptionSync(priceFeed, deps.Bus, deps.PositionStore, a.logger)
			g.Go(func() error {
				return priceFeed.Run(ctx)
			})
			g.Go(func() error {
				return subSync.Run(ctx)
			})
		}
		monitor := service.NewMonitor(
			svc.positions,
			deps.PriceCache,
			svc.queue,
			deps.ExitSignalStore,
			a.cfg.Monitor.Interval.Duration,
			a.logger,
		)
		g.Go(func() error {
			return monitor.Run(ctx)
		})
	}
	if a.cfg.Loops.Dispatcher {
		g.Go(func() error {
			return svc.dispatcher.Run(ctx)
		})
	}
	if a.cfg.Loops.Archiver && deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx)
		})
	}
}

// IntakeMode detects and executes new edges but leaves open positions to a
// separate monitor process.
func (a *App) IntakeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting intake mode")

	svc, err := a.buildServices(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startIntake(ctx, g, deps, svc)
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})
	return g.Wait()
}

// MonitorMode watches open positions and dispatches exits without taking on
// any new exposure.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	svc, err := a.buildServices(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startMonitoring(ctx, g, deps, svc)
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})
	return g.Wait()
}

// FullMode runs the whole engine: intake, monitoring, exit dispatch, and the
// cold archive in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	svc, err := a.buildServices(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startIntake(ctx, g, deps, svc)
	a.startMonitoring(ctx, g, deps, svc)
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})
	return g.Wait()
}
