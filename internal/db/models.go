package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

// HostStatus constants.
const (
	HostStatusOnline  = "online"
	HostStatusOffline = "offline"
	HostStatusUnknown = "unknown"
)

// ValidHostStatus reports whether s is one of the stored status values.
func ValidHostStatus(s string) bool {
	switch s {
	case HostStatusOnline, HostStatusOffline, HostStatusUnknown:
		return true
	}
	return false
}

// Keys used inside Host.AdditionalInfo.
const (
	InfoOpenPorts    = "openPorts"
	InfoLastPortScan = "lastPortScan"
)

// placeholderValue is what upstream UIs store for "no value".
const placeholderValue = "--"

// IsEmptyValue reports whether a stored string counts as absent:
// nil, blank or the "--" placeholder.
func IsEmptyValue(s *string) bool {
	if s == nil {
		return true
	}
	v := strings.TrimSpace(*s)
	return v == "" || v == placeholderValue
}

// IPAddr wraps net.IP to implement PostgreSQL INET type.
type IPAddr struct {
	net.IP
}

// ParseIPAddr parses a dotted-quad IPv4 address.
func ParseIPAddr(s string) (IPAddr, error) {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil || ip.To4() == nil {
		return IPAddr{}, fmt.Errorf("invalid IPv4 address: %q", s)
	}
	return IPAddr{IP: ip.To4()}, nil
}

// Scan implements sql.Scanner for PostgreSQL INET type. A /32 suffix is dropped.
func (ip *IPAddr) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into IPAddr", value)
	}

	if i := strings.IndexByte(raw, '/'); i >= 0 {
		raw = raw[:i]
	}
	parsed := net.ParseIP(raw)
	if parsed == nil {
		return fmt.Errorf("failed to parse IP address: %s", raw)
	}
	ip.IP = parsed
	return nil
}

// Value implements driver.Valuer for PostgreSQL INET type.
func (ip IPAddr) Value() (driver.Value, error) {
	if ip.IP == nil {
		return nil, nil
	}
	return ip.IP.String(), nil
}

// String returns the IP address string.
func (ip IPAddr) String() string {
	if ip.IP == nil {
		return ""
	}
	return ip.IP.String()
}

// Uint32 returns the IPv4 address as a big-endian integer, or 0.
func (ip IPAddr) Uint32() uint32 {
	v4 := ip.IP.To4()
	if v4 == nil {
		return 0
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

// JSONB wraps json.RawMessage for PostgreSQL JSONB type.
type JSONB json.RawMessage

// Scan implements sql.Scanner for PostgreSQL JSONB type.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = append(JSONB(nil), v...)
		return nil
	case string:
		*j = JSONB([]byte(v))
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Value implements driver.Valuer for PostgreSQL JSONB type.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return []byte(j), nil
}

// MarshalJSON implements json.Marshaler.
func (j JSONB) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (j *JSONB) UnmarshalJSON(data []byte) error {
	*j = append(JSONB(nil), data...)
	return nil
}

// Map decodes the bag into a map; nil or invalid content yields an empty map.
func (j JSONB) Map() map[string]interface{} {
	out := map[string]interface{}{}
	if len(j) == 0 {
		return out
	}
	if err := json.Unmarshal(j, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

// NewJSONB encodes v into a JSONB value.
func NewJSONB(v interface{}) (JSONB, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return JSONB(data), nil
}

// Host is the reconciled record for one IPv4 address.
type Host struct {
	IP             IPAddr    `db:"ip_address" json:"ip"`
	MAC            *string   `db:"mac_address" json:"mac,omitempty"`
	MACSource      *string   `db:"mac_source" json:"macSource,omitempty"`
	Hostname       *string   `db:"hostname" json:"hostname,omitempty"`
	HostnameSource *string   `db:"hostname_source" json:"hostnameSource,omitempty"`
	Vendor         *string   `db:"vendor" json:"vendor,omitempty"`
	VendorSource   *string   `db:"vendor_source" json:"vendorSource,omitempty"`
	Status         string    `db:"status" json:"status"`
	PingLatencyMs  *float64  `db:"ping_latency_ms" json:"pingLatencyMs,omitempty"`
	FirstSeen      time.Time `db:"first_seen" json:"firstSeen"`
	LastSeen       time.Time `db:"last_seen" json:"lastSeen"`
	ScanCount      int64     `db:"scan_count" json:"scanCount"`
	AdditionalInfo JSONB     `db:"additional_info" json:"additionalInfo,omitempty"`
}

// OpenPort is one entry of the openPorts list kept in AdditionalInfo.
type OpenPort struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// Observation is one source's report about a host, before it is stored.
// Nil fields leave the stored value untouched.
type Observation struct {
	IP             string
	MAC            *string
	MACSource      *string
	Hostname       *string
	HostnameSource *string
	Vendor         *string
	VendorSource   *string
	Status         *string
	PingLatencyMs  *float64
	AdditionalInfo map[string]interface{}
}

// HostFilters narrows and orders a host query.
type HostFilters struct {
	Status     string
	IPPrefix   string
	Search     string
	SeenAfter  *time.Time
	SeenBefore *time.Time
	// ExcludeIPs drops these addresses, typically the blacklist.
	ExcludeIPs []string
	SortBy     string
	SortDesc   bool
	Limit      int
	Offset     int
}

// HostStats holds record counts per status.
type HostStats struct {
	Total   int64 `json:"total"`
	Online  int64 `json:"online"`
	Offline int64 `json:"offline"`
	Unknown int64 `json:"unknown"`
}

// HistoryEntry is one row of the append-only observation log.
type HistoryEntry struct {
	ID            int64     `db:"id" json:"id"`
	IP            IPAddr    `db:"ip_address" json:"ip"`
	Status        string    `db:"status" json:"status"`
	PingLatencyMs *float64  `db:"ping_latency_ms" json:"pingLatencyMs,omitempty"`
	SeenAt        time.Time `db:"seen_at" json:"seenAt"`
}

// HistoryBucket is the per-window aggregate returned by HistoricalStats.
type HistoryBucket struct {
	Bucket  time.Time `db:"bucket" json:"bucket"`
	Total   int64     `db:"total" json:"total"`
	Online  int64     `db:"online" json:"online"`
	Offline int64     `db:"offline" json:"offline"`
}

// Setting is one row of the key/value settings table.
type Setting struct {
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}
