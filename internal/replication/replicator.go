// Package replication copies decisions across accounts and corrects drift
// between an authority's position and a replica's.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/alanyoungcy/orhub/internal/metrics"
)

// DefaultAccountPrefix selects the prop-firm accounts traded in lockstep.
const DefaultAccountPrefix = "Apex"

// EntrySubmitter places one bracketed entry for one account.
type EntrySubmitter interface {
	SubmitEntry(ctx context.Context, d domain.Decision) (string, error)
}

// AccountLister reports the accounts a gateway can trade.
type AccountLister interface {
	Accounts(ctx context.Context) ([]string, error)
}

// MatchAccounts returns the accounts whose name contains prefix, compared
// case-insensitively, in name order. An empty prefix matches every account.
func MatchAccounts(ctx context.Context, gw AccountLister, prefix string) ([]string, error) {
	all, err := gw.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("replication: list accounts: %w", err)
	}
	needle := strings.ToLower(prefix)
	var out []string
	for _, a := range all {
		if strings.Contains(strings.ToLower(a), needle) {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Result records the outcome of one fan-out.
type Result struct {
	// Positions maps account to the position id opened there.
	Positions map[string]string
	// Failed maps account to its submission error.
	Failed map[string]error
}

// Replicator submits the same decision to every matching account. Each
// account is attempted independently; one failure neither stops nor rolls
// back the others.
type Replicator struct {
	accounts AccountLister
	entries  EntrySubmitter
	prefix   string
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewReplicator creates a Replicator over the accounts matching prefix.
func NewReplicator(accounts AccountLister, entries EntrySubmitter, prefix string, m *metrics.Metrics, logger *slog.Logger) *Replicator {
	return &Replicator{
		accounts: accounts,
		entries:  entries,
		prefix:   prefix,
		metrics:  m,
		logger:   logger.With(slog.String("component", "replicator")),
	}
}

// Accounts lists the accounts decisions are copied to.
func (r *Replicator) Accounts(ctx context.Context) ([]string, error) {
	return MatchAccounts(ctx, r.accounts, r.prefix)
}

// Replicate submits d once per matching account. The returned error joins
// every per-account failure; Result is always populated.
func (r *Replicator) Replicate(ctx context.Context, d domain.Decision) (Result, error) {
	res := Result{Positions: make(map[string]string), Failed: make(map[string]error)}
	accounts, err := r.Accounts(ctx)
	if err != nil {
		return res, err
	}
	if len(accounts) == 0 {
		return res, fmt.Errorf("replication: no account matches %q: %w", r.prefix, domain.ErrUnknownAccount)
	}

	var errs []error
	for _, account := range accounts {
		dd := d
		dd.Account = account
		id, err := r.entries.SubmitEntry(ctx, dd)
		if err != nil {
			res.Failed[account] = err
			errs = append(errs, fmt.Errorf("%s: %w", account, err))
			r.metrics.ReplicationFailure()
			r.logger.ErrorContext(ctx, "replicated entry failed",
				slog.String("account", account),
				slog.String("symbol", d.Symbol),
				slog.String("direction", string(d.Direction)),
				slog.String("error", err.Error()),
			)
			continue
		}
		res.Positions[account] = id
	}

	r.logger.InfoContext(ctx, "decision replicated",
		slog.String("symbol", d.Symbol),
		slog.String("direction", string(d.Direction)),
		slog.Int("accounts", len(accounts)),
		slog.Int("failed", len(res.Failed)),
	)
	return res, errors.Join(errs...)
}
