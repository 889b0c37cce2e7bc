package anonymizer

import (
	"regexp"
	"strings"
)

// Reference matching. De-identification of reference-shaped values must
// rewrite only the identifier part and keep the surrounding structure, so a
// rewritten "Patient/123" stays resolvable as "Patient/<new-id>".

const internalReferencePrefix = "#"

var (
	// Absolute or relative literal reference: [base/]Type/id[/_history/vid].
	literalReferenceRegex = regexp.MustCompile(
		`^(?P<prefix>((http|https)://([A-Za-z0-9\\/\.:%\$])*)?[A-Z][A-Za-z]+/)(?P<id>[A-Za-z0-9\-\.]{1,64})(?P<suffix>/_history/[A-Za-z0-9\-\.]{1,64})?$`)

	// Conditional reference or identifier search parameter:
	// [Type?]identifier=[system|]value.
	conditionalReferenceRegex = regexp.MustCompile(
		`^(?P<prefix>(([A-Z][A-Za-z]+)\?)?identifier=((http|https)://([A-Za-z0-9\\/\.:%\$\-])*\|)?)(?P<id>[A-Za-z0-9\-\.]{1,64})$`)

	oidReferenceRegex = regexp.MustCompile(
		`^(?P<prefix>urn:oid:)(?P<id>[0-2](\.(0|[1-9][0-9]*))+)$`)

	uuidReferenceRegex = regexp.MustCompile(
		`^(?P<prefix>urn:uuid:)(?P<id>[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})$`)

	resourceReferenceRegexes = []*regexp.Regexp{literalReferenceRegex, conditionalReferenceRegex}
	referenceRegexes         = []*regexp.Regexp{literalReferenceRegex, conditionalReferenceRegex, oidReferenceRegex, uuidReferenceRegex}
)

// IsResourceReference reports whether the value is a literal or conditional
// resource reference.
func IsResourceReference(value string) bool {
	if value == "" {
		return false
	}
	for _, re := range resourceReferenceRegexes {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

// ReferencePrefix returns the structural prefix of a reference-shaped value,
// for example "Patient/" for "Patient/123", or "" when the value does not
// look like a reference.
func ReferencePrefix(reference string) string {
	for _, re := range referenceRegexes {
		if m := re.FindStringSubmatch(reference); m != nil {
			return m[re.SubexpIndex("prefix")]
		}
	}
	return ""
}

// TransformReferenceID rewrites only the identifier part of a reference,
// preserving prefix and history suffix. Internal references ("#id") keep
// their marker. Values that match no reference shape are transformed whole.
func TransformReferenceID(reference string, transform func(id string) (string, error)) (string, error) {
	if reference == "" {
		return reference, nil
	}

	if strings.HasPrefix(reference, internalReferencePrefix) {
		newID, err := transform(reference[len(internalReferencePrefix):])
		if err != nil {
			return "", err
		}
		return internalReferencePrefix + newID, nil
	}

	for _, re := range referenceRegexes {
		m := re.FindStringSubmatch(reference)
		if m == nil {
			continue
		}
		newID, err := transform(m[re.SubexpIndex("id")])
		if err != nil {
			return "", err
		}
		prefix := m[re.SubexpIndex("prefix")]
		suffix := ""
		if idx := re.SubexpIndex("suffix"); idx >= 0 {
			suffix = m[idx]
		}
		return prefix + newID + suffix, nil
	}

	return transform(reference)
}
