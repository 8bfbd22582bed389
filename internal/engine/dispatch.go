package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/alanyoungcy/orhub/internal/ipc"
	"github.com/alanyoungcy/orhub/internal/strategy"
)

// Dispatch applies one decoded command.
func (e *Engine) Dispatch(ctx context.Context, cmd domain.Command) error {
	switch cmd.Action {
	case domain.ActionLong:
		return e.enter(ctx, cmd, domain.DirectionLong, strategy.ModeMarket)
	case domain.ActionShort:
		return e.enter(ctx, cmd, domain.DirectionShort, strategy.ModeMarket)
	case domain.ActionORLong:
		return e.enter(ctx, cmd, domain.DirectionLong, strategy.ModeBreakout)
	case domain.ActionORShort:
		return e.enter(ctx, cmd, domain.DirectionShort, strategy.ModeBreakout)
	case domain.ActionClose:
		return e.close(ctx, cmd)
	case domain.ActionFlatten:
		return e.flatten(ctx, cmd)
	case domain.ActionSyncTarget:
		return e.sync(ctx, cmd)
	case domain.ActionData:
		e.telemetry(ctx, cmd)
		return nil
	case domain.ActionBreakeven:
		e.relay(cmd)
		return e.Bus.Publish(domain.BreakevenSignal{
			Envelope: domain.Envelope{PositionID: cmd.PositionID},
			Symbol:   cmd.Symbol,
		})
	case domain.ActionTarget:
		// Position ids are local to this process, so target actions are
		// never relayed.
		return e.Bus.Publish(domain.TargetActionSignal{
			Envelope: domain.Envelope{PositionID: cmd.PositionID},
			Target:   cmd.Target,
			Action:   cmd.TargetAction,
		})
	case domain.ActionFill:
		e.logger.InfoContext(ctx, "fill reported",
			slog.String("source", cmd.Source),
			slog.String("symbol", cmd.Symbol),
			slog.Int("qty", cmd.Quantity),
			slog.String("price", cmd.Price.String()),
		)
		return nil
	case domain.ActionHeartbeat, domain.ActionAck:
		return nil
	}
	return fmt.Errorf("engine: %q: %w", cmd.Action, domain.ErrUnknownAction)
}

func (e *Engine) enter(ctx context.Context, cmd domain.Command, dir domain.Direction, mode strategy.Mode) error {
	d, err := e.Builder.Build(strategy.Request{
		Symbol:    cmd.Symbol,
		Direction: dir,
		Mode:      mode,
		Quantity:  cmd.Quantity,
		Source:    cmd.Source,
	})
	if err != nil {
		return err
	}
	e.relay(cmd)
	_, err = e.Replicator.Replicate(ctx, d)
	return err
}

// close flattens positions in the command's instrument, oldest first, until
// at least the requested quantity is closed. Zero closes all of them.
func (e *Engine) close(ctx context.Context, cmd domain.Command) error {
	e.relay(cmd)
	var (
		closed int
		errs   []error
	)
	for _, rec := range e.Ledger.Filter("", cmd.Symbol) {
		if cmd.Quantity > 0 && closed >= cmd.Quantity {
			break
		}
		qty := rec.RemainingQuantity
		if err := e.Bracket.Flatten(ctx, rec.ID, "close command"); err != nil {
			errs = append(errs, err)
			continue
		}
		closed += qty
	}
	e.logger.InfoContext(ctx, "close command applied",
		slog.String("symbol", cmd.Symbol),
		slog.Int("requested", cmd.Quantity),
		slog.Int("closed", closed),
	)
	return errors.Join(errs...)
}

func (e *Engine) flatten(ctx context.Context, cmd domain.Command) error {
	e.relay(cmd)
	reason := "flatten command"
	if err := e.Bus.Publish(domain.FlattenSignal{Symbol: cmd.Symbol, Reason: reason}); err != nil {
		return err
	}
	return e.Cleaner.FlattenAll(ctx, cmd.Symbol, reason)
}

func (e *Engine) sync(ctx context.Context, cmd domain.Command) error {
	if e.Reconciler == nil {
		return fmt.Errorf("engine: sync target without reconciler: %w", domain.ErrUnknownAction)
	}
	accounts, err := e.Replicator.Accounts(ctx)
	if err != nil {
		return err
	}
	_, err = e.Reconciler.ReconcileAll(ctx, accounts, cmd.Symbol, cmd.TargetNet)
	return err
}

// telemetry stores a DATA report; its last price also drives the tick path.
func (e *Engine) telemetry(ctx context.Context, cmd domain.Command) {
	if cmd.Telemetry == nil {
		return
	}
	tel := *cmd.Telemetry
	tel.Updated = cmd.Received
	e.Tracker.UpdateTelemetry(tel)
	if !ipc.FromAgent(cmd) {
		e.relay(cmd)
	}
	if tel.Last.IsPositive() {
		e.guard(ctx, "telemetry price", func() {
			for _, o := range e.Observers {
				o.OnPrice(domain.Tick{Symbol: tel.Symbol, Price: tel.Last, Time: tel.Updated})
			}
			if e.Trailing != nil {
				e.Trailing.OnPrice(ctx, domain.Tick{Symbol: tel.Symbol, Price: tel.Last, Time: tel.Updated})
			}
		})
	}
}

// relay forwards a command to connected agents when this process is a hub.
func (e *Engine) relay(cmd domain.Command) {
	if e.Broadcaster == nil || ipc.FromAgent(cmd) {
		return
	}
	n := e.Broadcaster.Broadcast(ipc.Format(cmd))
	e.logger.Debug("command relayed", slog.String("action", string(cmd.Action)), slog.Int("agents", n))
}
