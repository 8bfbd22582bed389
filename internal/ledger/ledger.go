// Package ledger holds the Position Ledger: the per-instance map from trade id
// to PositionRecord plus an incremental index of the orders each position
// owns.
//
// A Ledger is not safe for concurrent use. The tick driver is its only
// writer; other goroutines read Snapshot copies.
package ledger

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
)

// TagSep terminates a position id inside an order tag. Position ids never
// contain it, so "ORLong_1/" cannot prefix "ORLong_10/...".
const TagSep = "/"

// Owns reports whether an order tag belongs to positionID.
func Owns(positionID, tag string) bool {
	if positionID == "" {
		return false
	}
	return tag == positionID || strings.HasPrefix(tag, positionID+TagSep)
}

// PositionIDFromTag extracts the owning position id from a tag.
func PositionIDFromTag(tag string) string {
	if i := strings.Index(tag, TagSep); i >= 0 {
		return tag[:i]
	}
	return tag
}

// RoleFromTag extracts the order role from a tag, if present.
func RoleFromTag(tag string) (domain.OrderRole, bool) {
	parts := strings.Split(tag, TagSep)
	if len(parts) < 2 || parts[1] == "" {
		return "", false
	}
	return domain.OrderRole(parts[1]), true
}

// Ledger is the Position Ledger.
type Ledger struct {
	prefix    string
	positions map[string]*domain.PositionRecord
	ids       []string                       // creation order
	index     map[string]map[string]struct{} // position id -> order ids
	owner     map[string]string              // order id -> position id
	tagSeq    map[string]int
	counter   int
	now       func() time.Time
}

// New creates an empty ledger. prefix starts every position id ("OR").
func New(prefix string) *Ledger {
	return &Ledger{
		prefix:    prefix,
		positions: make(map[string]*domain.PositionRecord),
		index:     make(map[string]map[string]struct{}),
		owner:     make(map[string]string),
		tagSeq:    make(map[string]int),
		now:       time.Now,
	}
}

// NewID derives a unique position id from direction and time, e.g.
// "ORLong_093015_7".
func (l *Ledger) NewID(dir domain.Direction) string {
	l.counter++
	return fmt.Sprintf("%s%s_%s_%d", l.prefix, dir.Label(), l.now().Format("150405"), l.counter)
}

// Tag builds the order tag for a role of positionID. Replacement orders of
// the same role get an increasing sequence suffix.
func (l *Ledger) Tag(positionID string, role domain.OrderRole) string {
	key := positionID + TagSep + string(role)
	n := l.tagSeq[key]
	l.tagSeq[key] = n + 1
	if n == 0 {
		return key
	}
	return key + TagSep + strconv.Itoa(n)
}

// Add inserts a new record.
func (l *Ledger) Add(p *domain.PositionRecord) error {
	if p == nil || p.ID == "" || strings.Contains(p.ID, TagSep) {
		return fmt.Errorf("ledger: add: %w", domain.ErrInvalidOrder)
	}
	if _, ok := l.positions[p.ID]; ok {
		return fmt.Errorf("ledger: add %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	if p.Orders == nil {
		p.Orders = make(map[domain.OrderRole]string)
	}
	l.positions[p.ID] = p
	l.ids = append(l.ids, p.ID)
	return nil
}

// Get returns the live record for id.
func (l *Ledger) Get(id string) (*domain.PositionRecord, bool) {
	p, ok := l.positions[id]
	return p, ok
}

// Remove deletes a record and its index entries and returns the order ids
// that were still indexed to it.
func (l *Ledger) Remove(id string) []string {
	orphans := l.OrdersOf(id)
	for _, oid := range orphans {
		delete(l.owner, oid)
	}
	delete(l.index, id)
	if _, ok := l.positions[id]; ok {
		delete(l.positions, id)
		l.removeID(id)
	}
	for key := range l.tagSeq {
		if Owns(id, key) {
			delete(l.tagSeq, key)
		}
	}
	return orphans
}

func (l *Ledger) removeID(id string) {
	for i, v := range l.ids {
		if v == id {
			l.ids = append(l.ids[:i], l.ids[i+1:]...)
			return
		}
	}
}

// All returns live records in creation order.
func (l *Ledger) All() []*domain.PositionRecord {
	out := make([]*domain.PositionRecord, 0, len(l.ids))
	for _, id := range l.ids {
		out = append(out, l.positions[id])
	}
	return out
}

// Filter returns live records matching symbol (and account, when non-empty).
func (l *Ledger) Filter(account, symbol string) []*domain.PositionRecord {
	var out []*domain.PositionRecord
	for _, p := range l.All() {
		if symbol != "" && p.Symbol != symbol {
			continue
		}
		if account != "" && p.Account != account {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Len is the number of live records.
func (l *Ledger) Len() int { return len(l.positions) }

// Track indexes orderID as owned by positionID.
func (l *Ledger) Track(positionID, orderID string) {
	if orderID == "" {
		return
	}
	set, ok := l.index[positionID]
	if !ok {
		set = make(map[string]struct{})
		l.index[positionID] = set
	}
	set[orderID] = struct{}{}
	l.owner[orderID] = positionID
}

// Untrack drops orderID from the index, typically on a terminal update.
func (l *Ledger) Untrack(orderID string) {
	pid, ok := l.owner[orderID]
	if !ok {
		return
	}
	delete(l.owner, orderID)
	if set := l.index[pid]; set != nil {
		delete(set, orderID)
	}
}

// OwnerOf returns the position that owns orderID.
func (l *Ledger) OwnerOf(orderID string) (string, bool) {
	pid, ok := l.owner[orderID]
	return pid, ok
}

// OrdersOf returns the indexed order ids of positionID in stable order.
func (l *Ledger) OrdersOf(positionID string) []string {
	set := l.index[positionID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot copies every record for readers outside the tick driver.
func (l *Ledger) Snapshot() []domain.PositionRecord {
	out := make([]domain.PositionRecord, 0, len(l.ids))
	for _, p := range l.All() {
		out = append(out, p.Clone())
	}
	return out
}
