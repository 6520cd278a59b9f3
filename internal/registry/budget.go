package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/maitred-dev/maitred/internal/config"
	"github.com/maitred-dev/maitred/internal/maitrederr"
	"github.com/maitred-dev/maitred/internal/track"
)

// LedgerStore persists daily spend counters. The day key is a UTC date in
// YYYY-MM-DD form. The in-memory default never fails; a persistent backend
// may, which is what the fail-open policy is for.
type LedgerStore interface {
	Load(day string) (int64, error)
	Add(day string, units int64) error
}

// memStore is the default in-memory ledger backend.
type memStore struct {
	mu    sync.Mutex
	spend map[string]int64
}

func newMemStore() *memStore {
	return &memStore{spend: make(map[string]int64)}
}

func (s *memStore) Load(day string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spend[day], nil
}

func (s *memStore) Add(day string, units int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spend[day] += units
	return nil
}

// LedgerSnapshot is the observable state of the budget ledger.
type LedgerSnapshot struct {
	PeriodStart time.Time `json:"period_start"`
	SpendUnits  int64     `json:"spend_units"`
	LimitUnits  int64     `json:"limit_units"`
	FailOpen    bool      `json:"fail_open"`
}

// BudgetLedger gates governed provider spend against a daily limit. Spend is
// accounted in token units and resets at UTC midnight. Mutations are monotone
// increments; the gate admits a request when spend + estimate stays within the
// limit, or when the backend itself is failing and the fail-open policy says
// availability beats governance.
type BudgetLedger struct {
	limit    int64
	failOpen bool
	store    LedgerStore
	bus      *track.Bus

	now func() time.Time
}

// NewBudgetLedger creates a ledger over the in-memory store.
func NewBudgetLedger(cfg config.BudgetConfig, bus *track.Bus) *BudgetLedger {
	failOpen := true
	if cfg.FailOpenOnBudgetError != nil {
		failOpen = *cfg.FailOpenOnBudgetError
	}
	return &BudgetLedger{
		limit:    cfg.DailyLimitUnits,
		failOpen: failOpen,
		store:    newMemStore(),
		bus:      bus,
		now:      time.Now,
	}
}

// WithStore swaps the ledger backend. Used by tests to inject failures.
func (l *BudgetLedger) WithStore(store LedgerStore) *BudgetLedger {
	l.store = store
	return l
}

func (l *BudgetLedger) day() string {
	return l.now().UTC().Format(time.DateOnly)
}

// Admit decides whether a request with the given estimated cost may proceed.
// A zero limit disables the gate. Denials carry [maitrederr.KindBudgetExceeded]
// with a retry hint pointing at the next UTC midnight.
func (l *BudgetLedger) Admit(estimate int64) error {
	if l.limit <= 0 {
		return nil
	}

	spend, err := l.store.Load(l.day())
	if err != nil {
		if l.failOpen {
			l.bypass(err)
			return nil
		}
		return maitrederr.Wrap(maitrederr.KindUnavailable, err, "budget ledger unavailable")
	}

	if spend+estimate > l.limit {
		if l.bus != nil {
			l.bus.RecordEvent("budget", track.SeverityWarn, map[string]any{
				"reason":   "denied",
				"spend":    spend,
				"estimate": estimate,
				"limit":    l.limit,
			})
			if m := l.bus.Metrics(); m != nil {
				m.BudgetDenials.Add(context.Background(), 1,
					metric.WithAttributes(attribute.String("reason", "denied")))
			}
		}
		e := maitrederr.New(maitrederr.KindBudgetExceeded,
			"daily budget exhausted: spend %d + estimate %d > limit %d", spend, estimate, l.limit)
		e.RetryAfterSeconds = l.secondsToMidnight()
		return e
	}
	return nil
}

// Commit records actual spend after a completed request. Commit errors follow
// the same fail-open policy as Admit: spend tracking must never fail a request
// that already succeeded.
func (l *BudgetLedger) Commit(units int64) {
	if l.limit <= 0 || units <= 0 {
		return
	}
	if err := l.store.Add(l.day(), units); err != nil {
		l.bypass(err)
	}
}

// Snapshot reports current period spend for status endpoints.
func (l *BudgetLedger) Snapshot() LedgerSnapshot {
	day := l.now().UTC().Truncate(24 * time.Hour)
	spend, err := l.store.Load(l.day())
	if err != nil {
		spend = -1
	}
	return LedgerSnapshot{
		PeriodStart: day,
		SpendUnits:  spend,
		LimitUnits:  l.limit,
		FailOpen:    l.failOpen,
	}
}

// bypass logs a policy-bypass event when the ledger backend is failing.
func (l *BudgetLedger) bypass(err error) {
	if l.bus == nil {
		return
	}
	l.bus.RecordEvent("budget", track.SeverityWarn, map[string]any{
		"reason": "budget_bypass",
		"error":  err.Error(),
	})
	if m := l.bus.Metrics(); m != nil {
		m.BudgetDenials.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", "bypass")))
	}
}

func (l *BudgetLedger) secondsToMidnight() int {
	now := l.now().UTC()
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return int(midnight.Sub(now).Seconds()) + 1
}

// errLedgerFailing is used by tests that inject a broken store.
var errLedgerFailing = errors.New("ledger backend failing")
