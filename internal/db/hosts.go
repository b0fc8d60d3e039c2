package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/anstrom/lanwatch/internal/errors"
)

const hostColumns = `host(ip_address) AS ip_address, mac_address, mac_source, hostname, hostname_source,
		vendor, vendor_source, status, ping_latency_ms, first_seen, last_seen, scan_count, additional_info`

// A single statement keeps concurrent upserts of different IPs safe without
// application-level locking. Parameters that are NULL leave the stored column
// alone; a provenance column only moves together with its value.
const upsertHostQuery = `
	INSERT INTO hosts (
		ip_address, mac_address, mac_source, hostname, hostname_source,
		vendor, vendor_source, status, ping_latency_ms, additional_info,
		first_seen, last_seen, scan_count
	)
	VALUES (
		$1, $2, $3, $4, $5, $6, $7, COALESCE($8, 'unknown'), $9,
		COALESCE($10::jsonb, '{}'::jsonb), NOW(), NOW(), 1
	)
	ON CONFLICT (ip_address) DO UPDATE SET
		mac_address = COALESCE($2, hosts.mac_address),
		mac_source = CASE WHEN $2::text IS NULL THEN hosts.mac_source ELSE $3 END,
		hostname = COALESCE($4, hosts.hostname),
		hostname_source = CASE WHEN $4::text IS NULL THEN hosts.hostname_source ELSE $5 END,
		vendor = COALESCE($6, hosts.vendor),
		vendor_source = CASE WHEN $6::text IS NULL THEN hosts.vendor_source ELSE $7 END,
		status = COALESCE($8, hosts.status),
		ping_latency_ms = COALESCE($9, hosts.ping_latency_ms),
		additional_info = hosts.additional_info || COALESCE($10::jsonb, '{}'::jsonb),
		last_seen = GREATEST(NOW(), hosts.first_seen),
		scan_count = hosts.scan_count + 1
	RETURNING ` + hostColumns

// HostRepository handles host record operations.
type HostRepository struct {
	db *DB
}

// NewHostRepository creates a new host repository.
func NewHostRepository(db *DB) *HostRepository {
	return &HostRepository{db: db}
}

// Upsert creates the record for obs.IP or updates the fields obs carries,
// bumping last_seen and scan_count. It returns the stored record.
func (r *HostRepository) Upsert(ctx context.Context, obs *Observation) (*Host, error) {
	ip, err := ParseIPAddr(obs.IP)
	if err != nil {
		return nil, errors.ErrInvalidTarget(obs.IP)
	}
	if obs.Status != nil && !ValidHostStatus(*obs.Status) {
		return nil, errors.NewDatabaseError(errors.CodeValidation,
			fmt.Sprintf("invalid host status %q", *obs.Status))
	}

	var info interface{}
	if len(obs.AdditionalInfo) > 0 {
		data, err := json.Marshal(obs.AdditionalInfo)
		if err != nil {
			return nil, errors.WrapDatabaseError(errors.CodeValidation, "additional info is not serializable", err)
		}
		info = string(data)
	}

	host := &Host{}
	err = r.db.GetContext(ctx, host, upsertHostQuery,
		ip.String(), obs.MAC, obs.MACSource, obs.Hostname, obs.HostnameSource,
		obs.Vendor, obs.VendorSource, obs.Status, obs.PingLatencyMs, info,
	)
	if err != nil {
		return nil, sanitizeDBError("upsert host", err)
	}
	return host, nil
}

// Get returns the record for ip, or nil when none exists.
func (r *HostRepository) Get(ctx context.Context, ip string) (*Host, error) {
	addr, err := ParseIPAddr(ip)
	if err != nil {
		return nil, nil
	}

	host := &Host{}
	query := `SELECT ` + hostColumns + ` FROM hosts WHERE ip_address = $1`
	if err := r.db.GetContext(ctx, host, query, addr.String()); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, sanitizeDBError("get host", err)
	}
	return host, nil
}

// escapeLike escapes LIKE metacharacters so user input matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func buildHostFilters(filters HostFilters) (whereClause string, args []interface{}) {
	var conditions []filterCondition

	if filters.Status != "" {
		conditions = append(conditions, filterCondition{"status = $%d", filters.Status})
	}
	if filters.IPPrefix != "" {
		conditions = append(conditions, filterCondition{
			"host(ip_address) LIKE $%d", escapeLike(filters.IPPrefix) + "%",
		})
	}
	if search := strings.TrimSpace(filters.Search); search != "" {
		conditions = append(conditions, filterCondition{
			"(host(ip_address) ILIKE $%[1]d OR COALESCE(mac_address, '') ILIKE $%[1]d" +
				" OR COALESCE(hostname, '') ILIKE $%[1]d)",
			"%" + escapeLike(search) + "%",
		})
	}
	if filters.SeenAfter != nil {
		conditions = append(conditions, filterCondition{"last_seen >= $%d", *filters.SeenAfter})
	}
	if filters.SeenBefore != nil {
		conditions = append(conditions, filterCondition{"last_seen <= $%d", *filters.SeenBefore})
	}
	if len(filters.ExcludeIPs) > 0 {
		conditions = append(conditions, filterCondition{
			"host(ip_address) <> ALL($%d)", pq.Array(filters.ExcludeIPs),
		})
	}

	return buildWhereClause(conditions)
}

// Find returns the records matching filters, sorted and paginated.
func (r *HostRepository) Find(ctx context.Context, filters HostFilters) ([]*Host, error) {
	key, err := resolveSortKey(filters.SortBy)
	if err != nil {
		return nil, err
	}
	desc := filters.SortDesc
	if filters.SortBy == "" {
		desc = true
	}

	whereClause, args := buildHostFilters(filters)

	// Numeric IP order and empties-last text order are applied to the whole
	// filtered set in Go, then paginated.
	if key.inMemory {
		query := fmt.Sprintf(`SELECT %s FROM hosts %s`, hostColumns, whereClause)
		hosts := []*Host{}
		if err := r.db.SelectContext(ctx, &hosts, query, args...); err != nil {
			return nil, sanitizeDBError("find hosts", err)
		}
		SortHosts(hosts, key.name, desc)
		return paginate(hosts, filters.Limit, filters.Offset), nil
	}

	direction := "ASC"
	if desc {
		direction = "DESC"
	}
	query := fmt.Sprintf(`SELECT %s FROM hosts %s ORDER BY %s %s NULLS LAST, ip_address ASC`,
		hostColumns, whereClause, key.column, direction)
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	hosts := []*Host{}
	if err := r.db.SelectContext(ctx, &hosts, query, args...); err != nil {
		return nil, sanitizeDBError("find hosts", err)
	}
	return hosts, nil
}

// Count returns how many records match filters; paging and sort are ignored.
func (r *HostRepository) Count(ctx context.Context, filters HostFilters) (int64, error) {
	whereClause, args := buildHostFilters(filters)

	var total int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM hosts %s`, whereClause)
	if err := r.db.GetContext(ctx, &total, query, args...); err != nil {
		return 0, sanitizeDBError("count hosts", err)
	}
	return total, nil
}

// Delete removes the record for ip.
func (r *HostRepository) Delete(ctx context.Context, ip string) error {
	addr, err := ParseIPAddr(ip)
	if err != nil {
		return errors.ErrInvalidTarget(ip)
	}

	result, err := r.db.ExecContext(ctx, `DELETE FROM hosts WHERE ip_address = $1`, addr.String())
	if err != nil {
		return sanitizeDBError("delete host", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return sanitizeDBError("delete host", err)
	}
	if rowsAffected == 0 {
		dbErr := errors.NewDatabaseError(errors.CodeNotFound, fmt.Sprintf("host %s not found", addr))
		dbErr.Operation = "delete host"
		return dbErr
	}
	return nil
}

// DeleteAll removes every host record and returns how many were deleted.
func (r *HostRepository) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM hosts`)
	if err != nil {
		return 0, sanitizeDBError("delete all hosts", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, sanitizeDBError("delete all hosts", err)
	}
	return n, nil
}

// Stats returns record counts per status.
func (r *HostRepository) Stats(ctx context.Context) (*HostStats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM hosts GROUP BY status`)
	if err != nil {
		return nil, sanitizeDBError("host stats", err)
	}
	defer closeRows(rows)

	stats := &HostStats{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, sanitizeDBError("scan host stats", err)
		}
		stats.Total += n
		switch status {
		case HostStatusOnline:
			stats.Online = n
		case HostStatusOffline:
			stats.Offline = n
		default:
			stats.Unknown += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, sanitizeDBError("host stats", err)
	}
	return stats, nil
}

// LastScanDate returns the most recent last_seen, or nil for an empty table.
func (r *HostRepository) LastScanDate(ctx context.Context) (*time.Time, error) {
	var last sql.NullTime
	if err := r.db.GetContext(ctx, &last, `SELECT MAX(last_seen) FROM hosts`); err != nil {
		return nil, sanitizeDBError("last scan date", err)
	}
	if !last.Valid {
		return nil, nil
	}
	return &last.Time, nil
}

// OnlineHosts returns up to limit online records, most recently seen first.
func (r *HostRepository) OnlineHosts(ctx context.Context, limit int) ([]*Host, error) {
	hosts := []*Host{}
	query := `SELECT ` + hostColumns + ` FROM hosts WHERE status = $1 ORDER BY last_seen DESC LIMIT $2`
	if err := r.db.SelectContext(ctx, &hosts, query, HostStatusOnline, limit); err != nil {
		return nil, sanitizeDBError("list online hosts", err)
	}
	return hosts, nil
}

// KnownIPs returns every stored address in numeric order.
func (r *HostRepository) KnownIPs(ctx context.Context) ([]string, error) {
	ips := []string{}
	if err := r.db.SelectContext(ctx, &ips, `SELECT host(ip_address) FROM hosts ORDER BY ip_address`); err != nil {
		return nil, sanitizeDBError("list known ips", err)
	}
	return ips, nil
}

// MergeAdditionalInfo merges info key-wise into the record's additional_info.
// Keys not present in info are preserved.
func (r *HostRepository) MergeAdditionalInfo(ctx context.Context, ip string, info map[string]interface{}) error {
	addr, err := ParseIPAddr(ip)
	if err != nil {
		return errors.ErrInvalidTarget(ip)
	}
	data, err := json.Marshal(info)
	if err != nil {
		return errors.WrapDatabaseError(errors.CodeValidation, "additional info is not serializable", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE hosts SET additional_info = additional_info || $2::jsonb WHERE ip_address = $1`,
		addr.String(), string(data))
	if err != nil {
		return sanitizeDBError("merge additional info", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return errors.NewDatabaseError(errors.CodeNotFound, fmt.Sprintf("host %s not found", addr))
	}
	return nil
}
