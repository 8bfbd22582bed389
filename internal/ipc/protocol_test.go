package ipc

import (
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/shopspring/decimal"
)

func TestParse(t *testing.T) {
	tests := []struct {
		line    string
		want    domain.Command
		wantErr error
	}{
		{line: "LONG|MES|2", want: domain.Command{Action: domain.ActionLong, Symbol: "MES", Quantity: 2}},
		{line: "short|MNQ", want: domain.Command{Action: domain.ActionShort, Symbol: "MNQ"}},
		{line: "CLOSE|MES|1", want: domain.Command{Action: domain.ActionClose, Symbol: "MES", Quantity: 1}},
		{line: "FLATTEN|MES", want: domain.Command{Action: domain.ActionFlatten, Symbol: "MES"}},
		{line: "FLATTEN", want: domain.Command{Action: domain.ActionFlatten}},
		{line: "SYNC_TARGET|MES|-3", want: domain.Command{Action: domain.ActionSyncTarget, Symbol: "MES", TargetNet: decimal.NewFromInt(-3)}},
		{line: "HEARTBEAT|1700000000000", want: domain.Command{Action: domain.ActionHeartbeat, Timestamp: "1700000000000"}},
		{line: "ACK|42", want: domain.Command{Action: domain.ActionAck, Timestamp: "42"}},
		{line: "FILL|MES|2|5012.25", want: domain.Command{Action: domain.ActionFill, Symbol: "MES", Quantity: 2, Price: decimal.RequireFromString("5012.25")}},
		{line: "BREAKEVEN|MES|ORLong_093000_1", want: domain.Command{Action: domain.ActionBreakeven, Symbol: "MES", PositionID: "ORLong_093000_1"}},
		{line: "OR_LONG|MES", want: domain.Command{Action: domain.ActionORLong, Symbol: "MES"}},
		{line: "TARGET|ORLong_1|T1|FillAtMarket", want: domain.Command{Action: domain.ActionTarget, PositionID: "ORLong_1", Target: domain.TierT1, TargetAction: domain.ActionFillAtMarket}},

		{line: "", wantErr: domain.ErrMalformedCommand},
		{line: "LONG", wantErr: domain.ErrMalformedCommand},
		{line: "LONG|MES|two", wantErr: domain.ErrMalformedCommand},
		{line: "LONG|MES|-1", wantErr: domain.ErrMalformedCommand},
		{line: "SYNC_TARGET|MES|", wantErr: domain.ErrMalformedCommand},
		{line: "FILL|MES|2", wantErr: domain.ErrMalformedCommand},
		{line: "DATA|MES|1|2", wantErr: domain.ErrMalformedCommand},
		{line: "DATA|MES|1|2|3|x|5", wantErr: domain.ErrMalformedCommand},
		{line: "TARGET|ORLong_1|T9|FillAtMarket", wantErr: domain.ErrMalformedCommand},
		{line: "BUY|MES|1", wantErr: domain.ErrUnknownAction},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := Parse(tt.line)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse(%q) error = %v, want %v", tt.line, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.line, err)
			}
			if got.Action != tt.want.Action || got.Symbol != tt.want.Symbol ||
				got.Quantity != tt.want.Quantity || got.PositionID != tt.want.PositionID ||
				got.Timestamp != tt.want.Timestamp || got.Target != tt.want.Target ||
				got.TargetAction != tt.want.TargetAction {
				t.Fatalf("Parse(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
			if !got.TargetNet.Equal(tt.want.TargetNet) || !got.Price.Equal(tt.want.Price) {
				t.Fatalf("Parse(%q) numbers = %s/%s, want %s/%s", tt.line,
					got.TargetNet, got.Price, tt.want.TargetNet, tt.want.Price)
			}
		})
	}
}

func TestParseData(t *testing.T) {
	cmd, err := Parse("DATA|MES|5010.5|5009.75|5008|5015.25|5001")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tel := cmd.Telemetry
	if tel == nil || tel.Symbol != "MES" {
		t.Fatalf("telemetry = %+v", tel)
	}
	if !tel.Last.Equal(decimal.RequireFromString("5010.5")) || !tel.ORLow.Equal(decimal.NewFromInt(5001)) {
		t.Fatalf("telemetry = %+v", tel)
	}
	if !tel.Range().Equal(decimal.RequireFromString("14.25")) {
		t.Fatalf("range = %s", tel.Range())
	}
}

func TestFormatRoundTrip(t *testing.T) {
	lines := []string{
		"LONG|MES|2",
		"FLATTEN|MES",
		"SYNC_TARGET|MES|3",
		"FILL|MES|2|5012.25",
		"DATA|MES|5010.5|5009.75|5008|5015.25|5001",
		"BREAKEVEN|MES|ORLong_1",
		"TARGET|ORLong_1|Runner|CancelTarget",
	}
	for _, line := range lines {
		cmd, err := Parse(line)
		if err != nil {
			t.Fatalf("Parse(%q): %v", line, err)
		}
		if got := Format(cmd); got != line {
			t.Fatalf("Format = %q, want %q", got, line)
		}
	}
}

func TestBuilders(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	if got := Ack(ts); got != "ACK|1700000000123" {
		t.Fatalf("Ack = %q", got)
	}
	if got := Heartbeat(ts); got != "HEARTBEAT|1700000000123" {
		t.Fatalf("Heartbeat = %q", got)
	}
	if got := SyncTarget("MES", -2); got != "SYNC_TARGET|MES|-2" {
		t.Fatalf("SyncTarget = %q", got)
	}
	if got := Fill("MES", 1, decimal.RequireFromString("100.25")); got != "FILL|MES|1|100.25" {
		t.Fatalf("Fill = %q", got)
	}
}

func TestQueue(t *testing.T) {
	q := NewQueue(2)
	if _, ok := q.TryDequeue(); ok {
		t.Fatal("dequeued from empty queue")
	}
	for _, sym := range []string{"A", "B"} {
		if !q.Push(domain.Command{Symbol: sym}) {
			t.Fatalf("push %s refused", sym)
		}
	}
	if q.Push(domain.Command{Symbol: "C"}) {
		t.Fatal("push beyond limit accepted")
	}
	for _, want := range []string{"A", "B"} {
		cmd, ok := q.TryDequeue()
		if !ok || cmd.Symbol != want {
			t.Fatalf("dequeue = %q %v, want %q", cmd.Symbol, ok, want)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("Len = %d", q.Len())
	}
}
