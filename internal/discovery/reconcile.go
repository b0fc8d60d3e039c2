package discovery

import (
	"context"
	"net"
	"strings"

	"github.com/anstrom/lanwatch/internal/db"
	"github.com/anstrom/lanwatch/internal/logging"
	"github.com/anstrom/lanwatch/internal/priority"
)

// HostStore is the part of the host record store discovery needs.
type HostStore interface {
	Get(ctx context.Context, ip string) (*db.Host, error)
	Upsert(ctx context.Context, obs *db.Observation) (*db.Host, error)
	KnownIPs(ctx context.Context) ([]string, error)
}

// HistoryStore appends to the observation log.
type HistoryStore interface {
	Add(ctx context.Context, ip, status string, pingLatencyMs *float64) db.BestEffort
}

// Observation is one source's report about an address. Empty strings are
// unknown; an empty Status leaves the stored status alone.
type Observation struct {
	IP            string
	Source        priority.Source
	Status        string
	PingLatencyMs *float64
	MAC           string
	Hostname      string
	Vendor        string
}

// Reconciler merges observations into host records through the priority
// resolver.
type Reconciler struct {
	hosts   HostStore
	history HistoryStore
	logger  *logging.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(hosts HostStore, history HistoryStore) *Reconciler {
	return &Reconciler{
		hosts:   hosts,
		history: history,
		logger:  logging.Default().WithComponent("reconciler"),
	}
}

// Apply stores obs. An observation that carries no status and would not
// change any field is not written.
func (r *Reconciler) Apply(ctx context.Context, obs Observation, cfg priority.Config) (*db.Host, error) {
	existing, err := r.hosts.Get(ctx, obs.IP)
	if err != nil {
		return nil, err
	}

	update, changed := merge(existing, obs, cfg)
	if existing != nil && obs.Status == "" && !changed {
		return existing, nil
	}

	host, err := r.hosts.Upsert(ctx, update)
	if err != nil {
		return nil, err
	}

	if obs.Status != "" {
		if res := r.history.Add(ctx, obs.IP, obs.Status, obs.PingLatencyMs); !res.OK() {
			r.logger.Debug("Observation not logged", "ip", obs.IP, "error", res.Err)
		}
	}
	return host, nil
}

// MarkOffline sets an existing record offline. Addresses without a record are
// left alone; the return value reports whether a record was updated.
func (r *Reconciler) MarkOffline(ctx context.Context, ip string) (bool, error) {
	existing, err := r.hosts.Get(ctx, ip)
	if err != nil || existing == nil {
		return false, err
	}

	status := db.HostStatusOffline
	if _, err := r.hosts.Upsert(ctx, &db.Observation{IP: ip, Status: &status}); err != nil {
		return false, err
	}
	r.history.Add(ctx, ip, status, nil)
	return true, nil
}

// merge builds the store update for obs. The bool reports whether any
// identity field (mac, hostname, vendor) changes.
func merge(existing *db.Host, obs Observation, cfg priority.Config) (*db.Observation, bool) {
	update := &db.Observation{IP: obs.IP, PingLatencyMs: obs.PingLatencyMs}
	if obs.Status != "" {
		status := obs.Status
		update.Status = &status
	}

	source := string(obs.Source)
	changed := false

	if mac := normalizeMAC(obs.MAC); mac != "" && (existing == nil || deref(existing.MAC) != mac) {
		update.MAC, update.MACSource = &mac, &source
		changed = true
	}

	for _, field := range []priority.Field{priority.FieldHostname, priority.FieldVendor} {
		current := storedValue(existing, field)
		candidate := priority.Value{Value: strings.TrimSpace(candidateValue(obs, field)), Source: obs.Source}

		winner, ok := priority.Resolve(field, current, candidate, cfg)
		if !ok || winner == current {
			continue
		}
		value, winnerSource := winner.Value, string(winner.Source)
		if field == priority.FieldHostname {
			update.Hostname, update.HostnameSource = &value, &winnerSource
		} else {
			update.Vendor, update.VendorSource = &value, &winnerSource
		}
		changed = true
	}

	return update, changed
}

func storedValue(h *db.Host, field priority.Field) priority.Value {
	if h == nil {
		return priority.Value{}
	}
	if field == priority.FieldVendor {
		return priority.Value{Value: deref(h.Vendor), Source: priority.Source(deref(h.VendorSource))}
	}
	return priority.Value{Value: deref(h.Hostname), Source: priority.Source(deref(h.HostnameSource))}
}

func candidateValue(obs Observation, field priority.Field) string {
	if field == priority.FieldVendor {
		return obs.Vendor
	}
	return obs.Hostname
}

func normalizeMAC(s string) string {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil || len(hw) != 6 {
		return ""
	}
	return hw.String()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
