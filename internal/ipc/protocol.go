// Package ipc is the cross-process command channel: a pipe-delimited,
// newline-terminated text protocol, a thread-safe command queue, the hub's
// command listener and agent pool, and the agent's reconnecting client.
//
// Network goroutines only parse and enqueue. The tick driver is the sole
// consumer of the queue.
package ipc

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/shopspring/decimal"
)

// Sep separates fields of one command.
const Sep = "|"

// MaxLineBytes bounds a single command line.
const MaxLineBytes = 64 * 1024

// AgentPrefix starts the Source of every command received from a pooled agent.
const AgentPrefix = "agent-"

// FromAgent reports whether cmd arrived from a pooled agent rather than a
// signal producer or the hub.
func FromAgent(cmd domain.Command) bool {
	return strings.HasPrefix(cmd.Source, AgentPrefix)
}

// Parse decodes one command line. Unknown actions return ErrUnknownAction,
// bad fields ErrMalformedCommand.
func Parse(line string) (domain.Command, error) {
	line = strings.TrimSpace(line)
	cmd := domain.Command{Raw: line}
	if line == "" {
		return cmd, fmt.Errorf("ipc: empty line: %w", domain.ErrMalformedCommand)
	}
	f := strings.Split(line, Sep)
	for i := range f {
		f[i] = strings.TrimSpace(f[i])
	}
	cmd.Action = domain.Action(strings.ToUpper(f[0]))
	arg := func(i int) string {
		if i < len(f) {
			return f[i]
		}
		return ""
	}

	var err error
	switch cmd.Action {
	case domain.ActionLong, domain.ActionShort, domain.ActionClose,
		domain.ActionORLong, domain.ActionORShort:
		if cmd.Symbol, err = symbol(arg(1)); err != nil {
			break
		}
		cmd.Quantity, err = optionalQty(arg(2))

	case domain.ActionFlatten:
		cmd.Symbol = arg(1)

	case domain.ActionSyncTarget:
		if cmd.Symbol, err = symbol(arg(1)); err != nil {
			break
		}
		cmd.TargetNet, err = decimal.NewFromString(arg(2))

	case domain.ActionHeartbeat, domain.ActionAck:
		cmd.Timestamp = strings.Join(f[1:], Sep)

	case domain.ActionFill:
		if len(f) < 4 {
			err = domain.ErrMalformedCommand
			break
		}
		if cmd.Symbol, err = symbol(arg(1)); err != nil {
			break
		}
		if cmd.Quantity, err = strconv.Atoi(arg(2)); err != nil {
			break
		}
		cmd.Price, err = decimal.NewFromString(arg(3))

	case domain.ActionData:
		if len(f) < 7 {
			err = domain.ErrMalformedCommand
			break
		}
		t := &domain.Telemetry{}
		if t.Symbol, err = symbol(arg(1)); err != nil {
			break
		}
		for i, dst := range []*decimal.Decimal{&t.Last, &t.EMA9, &t.EMA15, &t.ORHigh, &t.ORLow} {
			if *dst, err = decimal.NewFromString(arg(i + 2)); err != nil {
				break
			}
		}
		cmd.Symbol = t.Symbol
		cmd.Telemetry = t

	case domain.ActionBreakeven:
		cmd.Symbol = arg(1)
		cmd.PositionID = arg(2)

	case domain.ActionTarget:
		cmd.PositionID = arg(1)
		cmd.Target = domain.Tier(arg(2))
		cmd.TargetAction = domain.TargetAction(arg(3))
		switch cmd.Target {
		case domain.TierT1, domain.TierT2, domain.TierRunner:
		default:
			err = domain.ErrMalformedCommand
		}
		if cmd.TargetAction == "" {
			err = domain.ErrMalformedCommand
		}

	default:
		return cmd, fmt.Errorf("ipc: %q: %w", f[0], domain.ErrUnknownAction)
	}

	if err != nil {
		return cmd, fmt.Errorf("ipc: %s: %w: %v", cmd.Action, domain.ErrMalformedCommand, err)
	}
	return cmd, nil
}

func symbol(s string) (string, error) {
	if s == "" {
		return "", domain.ErrMalformedCommand
	}
	return s, nil
}

// optionalQty parses a quantity field; absent means zero.
func optionalQty(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative quantity %d", n)
	}
	return n, nil
}

// Format encodes cmd as a wire line without the trailing newline.
func Format(cmd domain.Command) string {
	fields := []string{string(cmd.Action)}
	switch cmd.Action {
	case domain.ActionLong, domain.ActionShort, domain.ActionClose,
		domain.ActionORLong, domain.ActionORShort:
		fields = append(fields, cmd.Symbol, strconv.Itoa(cmd.Quantity))
	case domain.ActionFlatten:
		fields = append(fields, cmd.Symbol)
	case domain.ActionSyncTarget:
		fields = append(fields, cmd.Symbol, cmd.TargetNet.String())
	case domain.ActionHeartbeat, domain.ActionAck:
		fields = append(fields, cmd.Timestamp)
	case domain.ActionFill:
		fields = append(fields, cmd.Symbol, strconv.Itoa(cmd.Quantity), cmd.Price.String())
	case domain.ActionData:
		if t := cmd.Telemetry; t != nil {
			fields = append(fields, t.Symbol, t.Last.String(), t.EMA9.String(),
				t.EMA15.String(), t.ORHigh.String(), t.ORLow.String())
		}
	case domain.ActionBreakeven:
		fields = append(fields, cmd.Symbol)
		if cmd.PositionID != "" {
			fields = append(fields, cmd.PositionID)
		}
	case domain.ActionTarget:
		fields = append(fields, cmd.PositionID, string(cmd.Target), string(cmd.TargetAction))
	}
	return strings.Join(fields, Sep)
}

// Stamp is the timestamp carried by HEARTBEAT and ACK: Unix milliseconds.
func Stamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Heartbeat builds a liveness probe.
func Heartbeat(t time.Time) string {
	return Format(domain.Command{Action: domain.ActionHeartbeat, Timestamp: Stamp(t)})
}

// Ack builds the reply to a heartbeat.
func Ack(t time.Time) string {
	return Format(domain.Command{Action: domain.ActionAck, Timestamp: Stamp(t)})
}

// Fill builds a fill notification.
func Fill(symbol string, qty int, price decimal.Decimal) string {
	return Format(domain.Command{Action: domain.ActionFill, Symbol: symbol, Quantity: qty, Price: price})
}

// SyncTarget builds a reconciliation command for a signed net quantity.
func SyncTarget(symbol string, net int) string {
	return Format(domain.Command{Action: domain.ActionSyncTarget, Symbol: symbol, TargetNet: decimal.NewFromInt(int64(net))})
}
