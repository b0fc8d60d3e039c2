package db

import (
	"fmt"
	"sort"
	"strings"

	"github.com/anstrom/lanwatch/internal/errors"
)

type sortKey struct {
	name     string
	column   string
	inMemory bool
}

var sortKeys = map[string]sortKey{
	"":                {name: "lastSeen", column: "last_seen"},
	"ip":              {name: "ip", inMemory: true},
	"ip_address":      {name: "ip", inMemory: true},
	"mac":             {name: "mac", inMemory: true},
	"mac_address":     {name: "mac", inMemory: true},
	"hostname":        {name: "hostname", inMemory: true},
	"vendor":          {name: "vendor", inMemory: true},
	"status":          {name: "status", column: "status"},
	"pingLatencyMs":   {name: "pingLatencyMs", column: "ping_latency_ms"},
	"ping_latency_ms": {name: "pingLatencyMs", column: "ping_latency_ms"},
	"firstSeen":       {name: "firstSeen", column: "first_seen"},
	"first_seen":      {name: "firstSeen", column: "first_seen"},
	"lastSeen":        {name: "lastSeen", column: "last_seen"},
	"last_seen":       {name: "lastSeen", column: "last_seen"},
	"scanCount":       {name: "scanCount", column: "scan_count"},
	"scan_count":      {name: "scanCount", column: "scan_count"},
}

func resolveSortKey(field string) (sortKey, error) {
	key, ok := sortKeys[field]
	if !ok {
		return sortKey{}, errors.NewDatabaseError(errors.CodeValidation, fmt.Sprintf("unsupported sort field %q", field))
	}
	return key, nil
}

// SortHosts orders hosts in place by field. "ip" compares addresses
// numerically. Text fields ("hostname", "mac", "vendor") compare
// case-insensitively and always place empty or "--" values last, whichever
// the direction. Ties fall back to ascending IP.
func SortHosts(hosts []*Host, field string, desc bool) {
	var text func(*Host) *string
	switch field {
	case "mac":
		text = func(h *Host) *string { return h.MAC }
	case "hostname":
		text = func(h *Host) *string { return h.Hostname }
	case "vendor":
		text = func(h *Host) *string { return h.Vendor }
	}

	sort.SliceStable(hosts, func(i, j int) bool {
		a, b := hosts[i], hosts[j]
		if text == nil {
			if desc {
				return a.IP.Uint32() > b.IP.Uint32()
			}
			return a.IP.Uint32() < b.IP.Uint32()
		}

		av, bv := text(a), text(b)
		aEmpty, bEmpty := IsEmptyValue(av), IsEmptyValue(bv)
		switch {
		case aEmpty && bEmpty:
			return a.IP.Uint32() < b.IP.Uint32()
		case aEmpty:
			return false
		case bEmpty:
			return true
		}

		as, bs := strings.ToLower(strings.TrimSpace(*av)), strings.ToLower(strings.TrimSpace(*bv))
		if as == bs {
			return a.IP.Uint32() < b.IP.Uint32()
		}
		if desc {
			return as > bs
		}
		return as < bs
	})
}

func paginate(hosts []*Host, limit, offset int) []*Host {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(hosts) {
		return []*Host{}
	}
	hosts = hosts[offset:]
	if limit > 0 && limit < len(hosts) {
		hosts = hosts[:limit]
	}
	return hosts
}
