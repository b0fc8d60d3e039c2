// Package priority decides which source's hostname or vendor becomes the
// stored value when several sources report different values for one host.
package priority

import (
	"fmt"
	"strings"

	"github.com/anstrom/lanwatch/internal/errors"
)

// Source identifies where an observation came from.
type Source string

// The closed set of sources.
const (
	SourceScanner Source = "scanner"
	SourceFreebox Source = "freebox"
	SourceUniFi   Source = "unifi"
	SourceMDNS    Source = "mdns"
	SourceSNMP    Source = "snmp"
)

// AllSources returns every known source in declaration order.
func AllSources() []Source {
	return []Source{SourceScanner, SourceFreebox, SourceUniFi, SourceMDNS, SourceSNMP}
}

// ParseSource validates s against the known sources.
func ParseSource(s string) (Source, bool) {
	src := Source(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllSources() {
		if src == known {
			return src, true
		}
	}
	return "", false
}

// Field is a host attribute subject to priority resolution.
type Field string

const (
	FieldHostname Field = "hostname"
	FieldVendor   Field = "vendor"
)

// Overwrite holds the per-field gap-filling switches.
type Overwrite struct {
	Hostname bool `json:"hostname"`
	Vendor   bool `json:"vendor"`
}

// Config orders sources per field, highest priority first.
type Config struct {
	Hostname          []Source  `json:"hostname"`
	Vendor            []Source  `json:"vendor"`
	OverwriteExisting Overwrite `json:"overwriteExisting"`
}

// Default returns the built-in ordering with overwrite enabled for both fields.
func Default() Config {
	return Config{
		Hostname: []Source{SourceFreebox, SourceUniFi, SourceMDNS, SourceSNMP, SourceScanner},
		Vendor:   []Source{SourceUniFi, SourceFreebox, SourceScanner, SourceSNMP, SourceMDNS},
		OverwriteExisting: Overwrite{
			Hostname: true,
			Vendor:   true,
		},
	}
}

// Order returns the configured ordering for field.
func (c Config) Order(field Field) []Source {
	if field == FieldVendor {
		return c.Vendor
	}
	return c.Hostname
}

// overwrite returns the gap-filling switch for field.
func (c Config) overwrite(field Field) bool {
	if field == FieldVendor {
		return c.OverwriteExisting.Vendor
	}
	return c.OverwriteExisting.Hostname
}

// Rank returns the position of src in the ordering for field; lower is
// stronger. Unknown sources rank after every listed one.
func (c Config) Rank(field Field, src Source) int {
	order := c.Order(field)
	for i, s := range order {
		if s == src {
			return i
		}
	}
	return len(order)
}

// Validate checks that both orderings name every known source exactly once.
func Validate(cfg Config) error {
	for _, field := range []Field{FieldHostname, FieldVendor} {
		if err := validateOrder(field, cfg.Order(field)); err != nil {
			return err
		}
	}
	return nil
}

func validateOrder(field Field, order []Source) error {
	known := AllSources()
	if len(order) != len(known) {
		return errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("ordering must list all %d sources", len(known)), string(field), order)
	}

	valid := make(map[Source]bool, len(known))
	for _, src := range known {
		valid[src] = true
	}

	seen := make(map[Source]bool, len(order))
	for _, src := range order {
		if !valid[src] {
			return errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("unknown source %q", src), string(field), order)
		}
		if seen[src] {
			return errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("source %q listed twice", src), string(field), order)
		}
		seen[src] = true
	}
	return nil
}

// Value is a field value together with the source that set it. An empty
// Source means the value carries no provenance.
type Value struct {
	Value  string
	Source Source
}

// Empty reports whether the value is blank or the "--" placeholder.
func (v Value) Empty() bool {
	s := strings.TrimSpace(v.Value)
	return s == "" || s == "--"
}

// Resolve decides whether candidate replaces existing for field and returns
// the value to keep.
//
//   - an empty candidate never wins
//   - the same source reporting again always overwrites
//   - a higher ranked source, or any source over an untagged value, wins
//   - otherwise the candidate only fills an empty existing value, and only
//     when the field's overwrite switch is on
func Resolve(field Field, existing, candidate Value, cfg Config) (Value, bool) {
	if candidate.Empty() {
		return existing, false
	}

	if existing.Source != "" && candidate.Source == existing.Source {
		return candidate, true
	}

	if existing.Source == "" || cfg.Rank(field, candidate.Source) < cfg.Rank(field, existing.Source) {
		return candidate, true
	}

	if cfg.overwrite(field) && existing.Empty() {
		return candidate, true
	}

	return existing, false
}
