// Package perfdata parses the free-form performance-data strings attached to
// check results: `label=value[uom];warn;crit;min;max` groups separated by
// whitespace. A failure on one metric never poisons the rest of the batch.
package perfdata

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/c360/eventbroker/errors"
	"github.com/c360/eventbroker/events"
)

// Value is one parsed metric.
type Value struct {
	Name     string
	Value    float64
	Unit     string
	Warning  float64
	Critical float64
	Min      float64
	Max      float64
	Type     int32 // events.DataSource*
}

// knownUnits are the units normalized before comparison; anything else is
// carried through verbatim.
var knownUnits = map[string]string{
	"":   "",
	"s":  "s",
	"ms": "s",
	"us": "s",
	"%":  "%",
	"b":  "B",
	"kb": "KB",
	"mb": "MB",
	"gb": "GB",
	"tb": "TB",
	"c":  "c",
}

// Parse extracts every well-formed metric from a perfdata string. Malformed
// groups are skipped and reported through the errs return; the slice always
// holds every metric that could be recovered.
func Parse(s string) ([]Value, []error) {
	var out []Value
	var errs []error

	rest := strings.TrimSpace(s)
	for rest != "" {
		var group string
		group, rest = nextGroup(rest)
		if group == "" {
			continue
		}
		v, err := parseGroup(group)
		if err != nil {
			errs = append(errs, errors.WrapInvalid(err, "perfdata", "Parse", group))
			continue
		}
		out = append(out, v)
	}
	return out, errs
}

// nextGroup splits off one `label=...` group, honoring quoted labels
// containing spaces.
func nextGroup(s string) (group, rest string) {
	s = strings.TrimLeft(s, " \t")
	if s == "" {
		return "", ""
	}
	if s[0] == '\'' {
		// Quoted label: the group ends at the first whitespace after the
		// closing quote.
		if end := strings.IndexByte(s[1:], '\''); end >= 0 {
			body := s[end+2:]
			if sp := strings.IndexAny(body, " \t"); sp >= 0 {
				return s[:end+2+sp], body[sp+1:]
			}
			return s, ""
		}
	}
	if sp := strings.IndexAny(s, " \t"); sp >= 0 {
		return s[:sp], s[sp+1:]
	}
	return s, ""
}

func parseGroup(group string) (Value, error) {
	eq := strings.IndexByte(group, '=')
	if eq <= 0 {
		return Value{}, fmt.Errorf("no label/value separator")
	}
	label := group[:eq]
	body := group[eq+1:]

	v := Value{
		Warning:  math.NaN(),
		Critical: math.NaN(),
		Min:      math.NaN(),
		Max:      math.NaN(),
	}

	// Data-source type prefix: d[name], c[name], a[name], g[name].
	v.Type = events.DataSourceGauge
	if len(label) > 2 && label[1] == '[' && strings.HasSuffix(label, "]") {
		switch label[0] {
		case 'd':
			v.Type = events.DataSourceDerive
		case 'c':
			v.Type = events.DataSourceCounter
		case 'a':
			v.Type = events.DataSourceAbsolute
		case 'g':
			v.Type = events.DataSourceGauge
		default:
			return Value{}, fmt.Errorf("unknown data source type %q", label[0])
		}
		label = label[2 : len(label)-1]
	}
	label = strings.Trim(label, "'")
	if label == "" {
		return Value{}, fmt.Errorf("empty metric name")
	}
	v.Name = label

	fields := strings.Split(body, ";")
	if len(fields) > 5 {
		fields = fields[:5]
	}

	val, unit, err := parseValueUnit(fields[0])
	if err != nil {
		return Value{}, err
	}
	v.Value = val
	v.Unit = unit

	if len(fields) > 1 {
		v.Warning = parseThreshold(fields[1])
	}
	if len(fields) > 2 {
		v.Critical = parseThreshold(fields[2])
	}
	if len(fields) > 3 {
		v.Min = parseOptFloat(fields[3])
	}
	if len(fields) > 4 {
		v.Max = parseOptFloat(fields[4])
	}
	return v, nil
}

// parseValueUnit splits "0.42MB" into value and normalized unit.
func parseValueUnit(s string) (float64, string, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "U" {
		return math.NaN(), "", nil
	}
	end := len(s)
	for end > 0 {
		c := s[end-1]
		if c >= '0' && c <= '9' || c == '.' || c == '-' || c == '+' || c == 'e' || c == 'E' {
			break
		}
		end--
	}
	num := s[:end]
	unit := s[end:]
	val, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, "", fmt.Errorf("bad value %q", s)
	}
	if math.IsInf(val, 0) {
		return 0, "", fmt.Errorf("infinite value %q", s)
	}
	if norm, ok := knownUnits[strings.ToLower(unit)]; ok {
		unit = norm
	}
	return val, unit, nil
}

// parseThreshold reduces a warn/crit specification to its actionable bound.
// Plain numbers, `low:high` ranges (high bound kept), `low:` (low bound
// kept), and the inside-range `@low:high` form are accepted.
func parseThreshold(s string) float64 {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "@"))
	if s == "" {
		return math.NaN()
	}
	if colon := strings.IndexByte(s, ':'); colon >= 0 {
		high := s[colon+1:]
		if high != "" && high != "~" {
			return parseOptFloat(high)
		}
		return parseOptFloat(s[:colon])
	}
	return parseOptFloat(s)
}

func parseOptFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "~" {
		return math.NaN()
	}
	val, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(val, 0) {
		return math.NaN()
	}
	return val
}
