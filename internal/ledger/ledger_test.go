package ledger

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
)

func TestOwns(t *testing.T) {
	tests := []struct {
		name string
		id   string
		tag  string
		want bool
	}{
		{"bare id", "ORLong_093000_1", "ORLong_093000_1", true},
		{"role tag", "ORLong_093000_1", "ORLong_093000_1/stop", true},
		{"sequenced replacement", "ORLong_093000_1", "ORLong_093000_1/stop/3", true},
		{"numeric prefix of another id", "ORLong_093000_1", "ORLong_093000_10/stop", false},
		{"other direction", "ORLong_093000_1", "ORShort_093000_1/stop", false},
		{"substring elsewhere", "Long_093000_1", "ORLong_093000_1/stop", false},
		{"empty id owns nothing", "", "ORLong_093000_1/stop", false},
		{"untagged manual order", "ORLong_093000_1", "manual", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Owns(tt.id, tt.tag); got != tt.want {
				t.Fatalf("Owns(%q, %q) = %v, want %v", tt.id, tt.tag, got, tt.want)
			}
		})
	}
}

func TestTagSequencesReplacements(t *testing.T) {
	l := New("OR")
	id := "ORLong_093000_1"

	first := l.Tag(id, domain.RoleStop)
	second := l.Tag(id, domain.RoleStop)
	target := l.Tag(id, domain.RoleTarget1)

	if first != id+"/stop" {
		t.Fatalf("first stop tag = %q", first)
	}
	if second != id+"/stop/1" {
		t.Fatalf("replacement stop tag = %q", second)
	}
	if target != id+"/t1" {
		t.Fatalf("target tag = %q", target)
	}
	for _, tag := range []string{first, second, target} {
		if !Owns(id, tag) {
			t.Fatalf("%q not owned by %q", tag, id)
		}
		if PositionIDFromTag(tag) != id {
			t.Fatalf("PositionIDFromTag(%q) = %q", tag, PositionIDFromTag(tag))
		}
	}
	if role, ok := RoleFromTag(second); !ok || role != domain.RoleStop {
		t.Fatalf("RoleFromTag(%q) = %q, %v", second, role, ok)
	}
}

func TestNewIDIsUniqueAndDelimiterFree(t *testing.T) {
	l := New("OR")
	l.now = func() time.Time { return time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC) }

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		dir := domain.DirectionLong
		if i%2 == 1 {
			dir = domain.DirectionShort
		}
		id := l.NewID(dir)
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		if strings.Contains(id, TagSep) {
			t.Fatalf("id %q contains the tag separator", id)
		}
		seen[id] = true
	}
	if got := l.NewID(domain.DirectionLong); !strings.HasPrefix(got, "ORLong_093000_") {
		t.Fatalf("id = %q", got)
	}
}

func TestAddRejectsDuplicatesAndBadIDs(t *testing.T) {
	l := New("OR")
	if err := l.Add(&domain.PositionRecord{ID: "ORLong_1"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := l.Add(&domain.PositionRecord{ID: "ORLong_1"}); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate Add error = %v", err)
	}
	if err := l.Add(&domain.PositionRecord{ID: "bad/id"}); err == nil {
		t.Fatal("id containing separator accepted")
	}
	if err := l.Add(nil); err == nil {
		t.Fatal("nil record accepted")
	}
}

func TestIndexTracksOwnership(t *testing.T) {
	l := New("OR")
	_ = l.Add(&domain.PositionRecord{ID: "ORLong_1", Symbol: "MES"})
	_ = l.Add(&domain.PositionRecord{ID: "ORLong_10", Symbol: "MES"})

	l.Track("ORLong_1", "o-stop")
	l.Track("ORLong_1", "o-t1")
	l.Track("ORLong_10", "o-other")

	if got := l.OrdersOf("ORLong_1"); len(got) != 2 || got[0] != "o-stop" || got[1] != "o-t1" {
		t.Fatalf("OrdersOf = %v", got)
	}
	if pid, ok := l.OwnerOf("o-other"); !ok || pid != "ORLong_10" {
		t.Fatalf("OwnerOf(o-other) = %q, %v", pid, ok)
	}

	l.Untrack("o-t1")
	if got := l.OrdersOf("ORLong_1"); len(got) != 1 {
		t.Fatalf("after Untrack OrdersOf = %v", got)
	}

	orphans := l.Remove("ORLong_1")
	if len(orphans) != 1 || orphans[0] != "o-stop" {
		t.Fatalf("Remove orphans = %v", orphans)
	}
	if _, ok := l.OwnerOf("o-stop"); ok {
		t.Fatal("removed position still owns its order")
	}
	if _, ok := l.Get("ORLong_10"); !ok {
		t.Fatal("unrelated position removed")
	}
	if got := l.OrdersOf("ORLong_10"); len(got) != 1 {
		t.Fatalf("unrelated index touched: %v", got)
	}
}

func TestFilterAndSnapshot(t *testing.T) {
	l := New("OR")
	_ = l.Add(&domain.PositionRecord{ID: "A", Account: "Apex1", Symbol: "MES"})
	_ = l.Add(&domain.PositionRecord{ID: "B", Account: "Apex2", Symbol: "MES"})
	_ = l.Add(&domain.PositionRecord{ID: "C", Account: "Apex1", Symbol: "MNQ"})

	if got := l.Filter("", "MES"); len(got) != 2 || got[0].ID != "A" || got[1].ID != "B" {
		t.Fatalf("Filter symbol = %v", got)
	}
	if got := l.Filter("Apex1", "MNQ"); len(got) != 1 || got[0].ID != "C" {
		t.Fatalf("Filter account+symbol = %v", got)
	}

	p, _ := l.Get("A")
	p.SetOrder(domain.RoleStop, "s1")
	snap := l.Snapshot()
	snap[0].Orders[domain.RoleStop] = "mutated"
	if id, _ := p.OrderFor(domain.RoleStop); id != "s1" {
		t.Fatalf("snapshot shares order map with live record: %q", id)
	}
}
