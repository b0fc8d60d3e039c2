// Package blacklist maintains the set of IPv4 addresses that scan cycles must
// never probe and plugins must never report. The set is persisted as a JSON
// array in the settings store; unreadable data degrades to an empty set.
package blacklist

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/anstrom/lanwatch/internal/errors"
	"github.com/anstrom/lanwatch/internal/logging"
	"github.com/anstrom/lanwatch/internal/settings"
)

// ValidIPv4 reports whether s is a strict dotted-quad: four decimal octets
// in 0-255, no leading zeros, no surrounding whitespace.
func ValidIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if len(p) == 0 || len(p) > 3 {
			return false
		}
		if len(p) > 1 && p[0] == '0' {
			return false
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
		}
		if n, err := strconv.Atoi(p); err != nil || n > 255 {
			return false
		}
	}
	return true
}

// Set is an immutable snapshot of the exclusion list.
type Set map[string]struct{}

// Contains reports whether ip is excluded. Malformed input is never excluded.
func (s Set) Contains(ip string) bool {
	if !ValidIPv4(ip) {
		return false
	}
	_, ok := s[ip]
	return ok
}

// Filter is the persisted exclusion list.
type Filter struct {
	store  settings.Store
	logger *logging.Logger
	mu     sync.Mutex
}

// New creates a filter backed by store.
func New(store settings.Store) *Filter {
	return &Filter{
		store:  store,
		logger: logging.Default().WithComponent("blacklist"),
	}
}

// load reads the stored list. Any problem yields an empty list and a warning.
func (f *Filter) load(ctx context.Context) []string {
	raw, found, err := f.store.Get(ctx, settings.KeyIPBlacklist)
	if err != nil {
		f.logger.Warn("Failed to read exclusion list, treating as empty", "error", err)
		return nil
	}
	if !found || strings.TrimSpace(raw) == "" {
		return nil
	}

	var ips []string
	if err := json.Unmarshal([]byte(raw), &ips); err != nil {
		f.logger.Warn("Stored exclusion list is not a JSON string array, treating as empty", "error", err)
		return nil
	}
	for _, ip := range ips {
		if !ValidIPv4(ip) {
			f.logger.Warn("Stored exclusion list holds an invalid address, treating as empty", "ip", ip)
			return nil
		}
	}
	return dedupe(ips)
}

func (f *Filter) save(ctx context.Context, ips []string) error {
	data, err := json.Marshal(sortIPs(ips))
	if err != nil {
		return err
	}
	return f.store.Set(ctx, settings.KeyIPBlacklist, string(data))
}

// Snapshot returns the current list as a set, for checking many addresses
// within one scan cycle.
func (f *Filter) Snapshot(ctx context.Context) Set {
	ips := f.load(ctx)
	set := make(Set, len(ips))
	for _, ip := range ips {
		set[ip] = struct{}{}
	}
	return set
}

// IsBlacklisted reports whether ip is on the list. Malformed input yields false.
func (f *Filter) IsBlacklisted(ctx context.Context, ip string) bool {
	if !ValidIPv4(ip) {
		return false
	}
	return f.Snapshot(ctx).Contains(ip)
}

// Add puts ip on the list and reports whether the list changed. Invalid
// addresses are rejected with a validation error; adding a present address
// is a no-op.
func (f *Filter) Add(ctx context.Context, ip string) (bool, error) {
	if !ValidIPv4(ip) {
		f.logger.Warn("Rejected invalid address for exclusion list", "ip", ip)
		return false, errors.ErrConfigInvalid(settings.KeyIPBlacklist, ip)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ips := f.load(ctx)
	for _, existing := range ips {
		if existing == ip {
			return false, nil
		}
	}

	if err := f.save(ctx, append(ips, ip)); err != nil {
		return false, err
	}
	f.logger.Info("Address added to exclusion list", "ip", ip)
	return true, nil
}

// Remove takes ip off the list and reports whether the list changed.
// Removing an absent address is a no-op.
func (f *Filter) Remove(ctx context.Context, ip string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ips := f.load(ctx)
	kept := make([]string, 0, len(ips))
	for _, existing := range ips {
		if existing != ip {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(ips) {
		return false, nil
	}

	if err := f.save(ctx, kept); err != nil {
		return false, err
	}
	f.logger.Info("Address removed from exclusion list", "ip", ip)
	return true, nil
}

// List returns the excluded addresses in numeric order.
func (f *Filter) List(ctx context.Context) []string {
	return sortIPs(f.load(ctx))
}

func dedupe(ips []string) []string {
	seen := make(map[string]struct{}, len(ips))
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		if _, ok := seen[ip]; ok {
			continue
		}
		seen[ip] = struct{}{}
		out = append(out, ip)
	}
	return out
}

func ipKey(ip string) uint32 {
	var key uint32
	for _, part := range strings.Split(ip, ".") {
		n, _ := strconv.Atoi(part)
		key = key<<8 | uint32(n)
	}
	return key
}

func sortIPs(ips []string) []string {
	out := append([]string{}, ips...)
	sort.Slice(out, func(i, j int) bool { return ipKey(out[i]) < ipKey(out[j]) })
	return out
}
