// Package relay mirrors the in-process Signal Bus across processes over a
// domain.MessageBus. The hub publishes every signal; agents receive them,
// drop duplicates by signal id and hand them to local consumers.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/orhub/internal/domain"
)

// frame is the wire form of one relayed signal.
type frame struct {
	Kind   domain.SignalKind `json:"kind"`
	Origin string            `json:"origin,omitempty"`
	Signal json.RawMessage   `json:"signal"`
}

// Encode serialises sig with its kind so Decode can restore the concrete
// type. origin names the publishing process.
func Encode(sig domain.Signal, origin string) ([]byte, error) {
	body, err := json.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("relay: encode %s: %w", sig.Kind(), err)
	}
	return json.Marshal(frame{Kind: sig.Kind(), Origin: origin, Signal: body})
}

// Decode restores a signal produced by Encode and reports its origin.
func Decode(data []byte) (domain.Signal, string, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, "", fmt.Errorf("relay: decode frame: %w", err)
	}
	var (
		sig domain.Signal
		err error
	)
	switch f.Kind {
	case domain.SignalTrade:
		sig, err = unmarshal[domain.TradeSignal](f.Signal)
	case domain.SignalTrailUpdate:
		sig, err = unmarshal[domain.TrailUpdateSignal](f.Signal)
	case domain.SignalTargetAction:
		sig, err = unmarshal[domain.TargetActionSignal](f.Signal)
	case domain.SignalFlatten:
		sig, err = unmarshal[domain.FlattenSignal](f.Signal)
	case domain.SignalBreakeven:
		sig, err = unmarshal[domain.BreakevenSignal](f.Signal)
	default:
		return nil, f.Origin, fmt.Errorf("relay: kind %q: %w", f.Kind, domain.ErrInvalidSignal)
	}
	if err != nil {
		return nil, f.Origin, fmt.Errorf("relay: decode %s: %w", f.Kind, err)
	}
	return sig, f.Origin, nil
}

func unmarshal[T domain.Signal](data []byte) (domain.Signal, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// signalID extracts the envelope id of any known signal.
func signalID(sig domain.Signal) string {
	switch s := sig.(type) {
	case domain.TradeSignal:
		return s.SignalID
	case domain.TrailUpdateSignal:
		return s.SignalID
	case domain.TargetActionSignal:
		return s.SignalID
	case domain.FlattenSignal:
		return s.SignalID
	case domain.BreakevenSignal:
		return s.SignalID
	}
	return ""
}
