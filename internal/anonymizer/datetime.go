package anonymizer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ehr/deidentify/internal/fhir"
)

// Shift offsets are bounded to +/- 50 days around the original date.
const dateShiftRange = 50

// Ages above this threshold identify individuals too precisely and are
// always redacted.
const ageThreshold = 89

var (
	yearOnlyRegex   = regexp.MustCompile(`^\d{4}$`)
	yearMonthRegex  = regexp.MustCompile(`^\d{4}-\d{2}$`)
	fullDateRegex   = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})`)
	zoneSuffixRegex = regexp.MustCompile(`(Z|[+-]\d{2}:\d{2})$`)
)

// deriveDateShiftOffset computes the deterministic shift, in days, for a
// given shift key and scope prefix. The same key and prefix always yield the
// same offset, so all dates within one scope move together.
func deriveDateShiftOffset(key, prefix string) int {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(prefix))
	sum := mac.Sum(nil)
	n := binary.BigEndian.Uint32(sum[:4])
	return int(n%(2*dateShiftRange+1)) - dateShiftRange
}

// shiftDate shifts a full-precision date value by offset days. Partial dates
// (year or year-month precision) carry no shiftable day component: they are
// reduced to the year when partial dates are enabled, or cleared otherwise.
// The second return reports whether the node was redacted instead of
// shifted.
func shiftDate(node *fhir.Node, offsetDays int, keepPartialDates bool) bool {
	value := node.ValueString()

	if !fullDateRegex.MatchString(value) {
		redactPartialDate(node, keepPartialDates)
		return true
	}

	t, err := time.Parse("2006-01-02", value[:10])
	if err != nil {
		redactPartialDate(node, keepPartialDates)
		return true
	}
	node.Value = t.AddDate(0, 0, offsetDays).Format("2006-01-02")
	return false
}

// shiftDateTime shifts a dateTime or instant value by offset days and zeroes
// the time-of-day component, keeping the original zone designator when one
// was present.
func shiftDateTime(node *fhir.Node, offsetDays int, keepPartialDates bool) bool {
	value := node.ValueString()

	m := fullDateRegex.FindStringSubmatch(value)
	if m == nil {
		redactPartialDate(node, keepPartialDates)
		return true
	}

	t, err := time.Parse("2006-01-02", m[0])
	if err != nil {
		redactPartialDate(node, keepPartialDates)
		return true
	}

	shifted := t.AddDate(0, 0, offsetDays).Format("2006-01-02")
	if strings.Contains(value, "T") {
		zone := zoneSuffixRegex.FindString(value)
		node.Value = fmt.Sprintf("%sT00:00:00%s", shifted, zone)
	} else {
		node.Value = shifted
	}
	return false
}

// redactPartialDate reduces a date-like value to its year, or clears it when
// partial dates are disabled.
func redactPartialDate(node *fhir.Node, keepPartialDates bool) {
	value := node.ValueString()
	if keepPartialDates && len(value) >= 4 {
		year := value[:4]
		if yearOnlyRegex.MatchString(year) {
			node.Value = year
			return
		}
	}
	node.Value = nil
}

// isDateLike reports whether the node carries a date, dateTime or instant
// value.
func isDateLike(node *fhir.Node) bool {
	switch node.Type {
	case fhir.TypeDate, fhir.TypeDateTime, fhir.TypeInstant:
		return true
	}
	value := node.ValueString()
	return fullDateRegex.MatchString(value) || yearMonthRegex.MatchString(value)
}

func isDateOnly(node *fhir.Node) bool {
	if node.Type == fhir.TypeDate {
		return true
	}
	value := node.ValueString()
	return !strings.Contains(value, "T") &&
		(fullDateRegex.MatchString(value) || yearMonthRegex.MatchString(value) || yearOnlyRegex.MatchString(value))
}

// isAgeNode detects ages carried as numeric values, either on an element
// whose own name mentions age or on the value element of an Age quantity.
func isAgeNode(node *fhir.Node) bool {
	if node.Type != fhir.TypeDecimal && node.Type != fhir.TypeInteger {
		return false
	}
	if strings.Contains(strings.ToLower(node.Name), "age") {
		return true
	}
	return node.Name == "value" && node.Parent != nil &&
		strings.Contains(strings.ToLower(node.Parent.Name), "age")
}

func isPostalCodeNode(node *fhir.Node) bool {
	return node.Name == "postalCode"
}
