package anonymizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/deidentify/internal/fhir"
)

// ProcessContext carries per-traversal state shared by all rules applied to
// one document root pass.
type ProcessContext struct {
	// Context bounds calls to external services made while processing, such
	// as pseudonym resolution.
	Context context.Context

	// Visited holds every node already claimed by an earlier rule in this
	// traversal. A node is processed by the first rule to claim it; later
	// matches skip it.
	Visited map[*fhir.Node]struct{}

	// Rule is the rule whose match is currently being processed. Strategies
	// with compiled per-rule state (generalize cases) read it from here.
	Rule *Rule
}

// Settings is the merged static rule settings plus any request-level dynamic
// settings, last writer wins.
type Settings map[string]interface{}

// MergeSettings overlays dynamic request settings on top of a rule's static
// settings.
func MergeSettings(static map[string]interface{}, dynamic map[string]interface{}) Settings {
	if len(dynamic) == 0 {
		return Settings(static)
	}
	merged := make(Settings, len(static)+len(dynamic))
	for k, v := range static {
		merged[k] = v
	}
	for k, v := range dynamic {
		merged[k] = v
	}
	return merged
}

// Int extracts an integer setting, tolerating the numeric shapes JSON and
// YAML decoding produce.
func (s Settings) Int(key string) (int, bool) {
	v, ok := s[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// String extracts a string setting.
func (s Settings) String(key string) (string, bool) {
	v, ok := s[key]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%v", v), true
}

// Processor applies one transformation strategy to a single node. A
// processor must return an empty result for nodes without a value; the
// visitor handles recursion over structural matches.
type Processor interface {
	Process(node *fhir.Node, ctx *ProcessContext, settings Settings) (*ProcessResult, error)
}

// ---------------------------------------------------------------------------
// Keep / Perturb
// ---------------------------------------------------------------------------

// KeepProcessor leaves the node untouched. Its value is that the visitor
// still marks the matched subtree visited, shielding it from later rules.
type KeepProcessor struct{}

func (KeepProcessor) Process(*fhir.Node, *ProcessContext, Settings) (*ProcessResult, error) {
	return NewProcessResult(), nil
}

// PerturbProcessor is registered so configurations carrying perturb rules
// load, but applies no transformation.
type PerturbProcessor struct{}

func (PerturbProcessor) Process(*fhir.Node, *ProcessContext, Settings) (*ProcessResult, error) {
	return NewProcessResult(), nil
}

// ---------------------------------------------------------------------------
// Redact
// ---------------------------------------------------------------------------

// RedactProcessor clears values, with type-aware partial modes: dates can
// keep their year, ages up to the threshold can be kept, postal codes can
// keep their prefix.
type RedactProcessor struct {
	EnablePartialDatesForRedact      bool
	EnablePartialAgesForRedact       bool
	EnablePartialZipCodesForRedact   bool
	RestrictedZipCodeTabulationAreas []string
}

func (p *RedactProcessor) Process(node *fhir.Node, _ *ProcessContext, _ Settings) (*ProcessResult, error) {
	result := NewProcessResult()
	if node == nil || node.Value == nil {
		return result, nil
	}

	switch {
	case isDateLike(node):
		redactPartialDate(node, p.EnablePartialDatesForRedact)
	case isAgeNode(node):
		p.redactAge(node)
	case isPostalCodeNode(node):
		p.redactPostalCode(node)
	default:
		node.Value = nil
	}

	result.Add(OperationRedact, node)
	return result, nil
}

func (p *RedactProcessor) redactAge(node *fhir.Node) {
	if !p.EnablePartialAgesForRedact {
		node.Value = nil
		return
	}
	age, err := strconv.ParseFloat(node.ValueString(), 64)
	if err != nil || age > ageThreshold {
		node.Value = nil
	}
}

// redactPostalCode keeps the first three digits, or blanks them for
// restricted tabulation areas. Without the partial mode the whole code goes.
func (p *RedactProcessor) redactPostalCode(node *fhir.Node) {
	if !p.EnablePartialZipCodesForRedact {
		node.Value = nil
		return
	}
	code := node.ValueString()
	if len(code) < 3 {
		node.Value = nil
		return
	}
	prefix := code[:3]
	for _, restricted := range p.RestrictedZipCodeTabulationAreas {
		if prefix == restricted {
			prefix = "000"
			break
		}
	}
	node.Value = prefix + strings.Repeat("0", len(code)-3)
}

// ---------------------------------------------------------------------------
// CryptoHash
// ---------------------------------------------------------------------------

// CryptoHashProcessor replaces values with their keyed hash. Reference
// shaped values keep their structure: only the identifier part is hashed.
type CryptoHashProcessor struct {
	Key    string
	Logger zerolog.Logger
}

func (p *CryptoHashProcessor) Process(node *fhir.Node, _ *ProcessContext, settings Settings) (*ProcessResult, error) {
	result := NewProcessResult()
	if node == nil || node.Value == nil || node.ValueString() == "" {
		return result, nil
	}

	hash := func(input string) (string, error) {
		return HmacSHA256(p.Key, input), nil
	}
	if maxLen, ok := settings.Int("truncateToMaxLength"); ok && maxLen > 0 {
		hash = func(input string) (string, error) {
			full := HmacSHA256(p.Key, input)
			if maxLen < len(full) {
				return full[:maxLen], nil
			}
			return full, nil
		}
	}

	input := node.ValueString()
	if node.Name == "reference" || IsResourceReference(input) {
		transformed, err := TransformReferenceID(input, hash)
		if err != nil {
			return nil, err
		}
		node.Value = transformed
	} else {
		hashed, _ := hash(input)
		node.Value = hashed
	}

	p.Logger.Debug().
		Str("location", node.Location()).
		Msg("value replaced by keyed hash")

	result.Add(OperationCryptoHash, node)
	return result, nil
}

// ---------------------------------------------------------------------------
// Encrypt / Decrypt
// ---------------------------------------------------------------------------

// EncryptProcessor replaces values with their reversible ciphertext.
type EncryptProcessor struct {
	Encryptor *FieldEncryptor
}

func (p *EncryptProcessor) Process(node *fhir.Node, _ *ProcessContext, _ Settings) (*ProcessResult, error) {
	result := NewProcessResult()
	if node == nil || node.Value == nil || node.ValueString() == "" {
		return result, nil
	}

	ciphertext, err := p.Encryptor.Encrypt(node.ValueString())
	if err != nil {
		return nil, err
	}
	node.Value = ciphertext

	result.Add(OperationEncrypt, node)
	return result, nil
}

// DecryptProcessor is the inverse of EncryptProcessor. A value that cannot
// be decrypted, because the key is wrong or the payload was never encrypted,
// is left unchanged and logged rather than failing the request.
type DecryptProcessor struct {
	Encryptor *FieldEncryptor
	Logger    zerolog.Logger
}

func (p *DecryptProcessor) Process(node *fhir.Node, _ *ProcessContext, _ Settings) (*ProcessResult, error) {
	result := NewProcessResult()
	if node == nil || node.Value == nil || node.ValueString() == "" {
		return result, nil
	}

	plaintext, err := p.Encryptor.Decrypt(node.ValueString())
	if err != nil {
		p.Logger.Warn().
			Err(err).
			Str("location", node.Location()).
			Msg("decrypt failed, keeping original value")
		return result, nil
	}
	node.Value = plaintext

	return result, nil
}

// ---------------------------------------------------------------------------
// DateShift
// ---------------------------------------------------------------------------

// DateShiftProcessor moves date-like values by a bounded number of days:
// either the fixed offset from settings or a deterministic offset derived
// from the shift key and prefix.
type DateShiftProcessor struct {
	DateShiftKey                string
	DateShiftKeyPrefix          string
	EnablePartialDatesForRedact bool
}

func (p *DateShiftProcessor) Process(node *fhir.Node, _ *ProcessContext, settings Settings) (*ProcessResult, error) {
	result := NewProcessResult()
	if node == nil || node.Value == nil || node.ValueString() == "" {
		return result, nil
	}
	if !isDateLike(node) {
		return result, nil
	}

	offset, hasFixed := settings.Int("dateShiftFixedOffsetInDays")
	if !hasFixed {
		offset = deriveDateShiftOffset(p.DateShiftKey, p.DateShiftKeyPrefix)
	}

	var redacted bool
	if isDateOnly(node) {
		redacted = shiftDate(node, offset, p.EnablePartialDatesForRedact)
	} else {
		redacted = shiftDateTime(node, offset, p.EnablePartialDatesForRedact)
	}

	if redacted {
		result.Add(OperationRedact, node)
	} else {
		result.Add(OperationPerturb, node)
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Generalize
// ---------------------------------------------------------------------------

// GeneralizeProcessor maps values into configured buckets: the first case
// whose predicate matches supplies the replacement; unmatched values are
// redacted or kept per the rule's otherValues setting.
type GeneralizeProcessor struct{}

func (GeneralizeProcessor) Process(node *fhir.Node, ctx *ProcessContext, _ Settings) (*ProcessResult, error) {
	result := NewProcessResult()
	if node == nil || node.Value == nil {
		return result, nil
	}

	var rule *Rule
	if ctx != nil {
		rule = ctx.Rule
	}
	if rule == nil || len(rule.Cases) == 0 {
		return result, nil
	}

	value := caseValue(node)
	for i := range rule.Cases {
		c := &rule.Cases[i]
		matched, err := c.Matches(value)
		if err != nil {
			return nil, fmt.Errorf("generalize case %q at %s: %w", c.PredicateSource, node.Location(), err)
		}
		if !matched {
			continue
		}
		replacement, err := c.Replace(value)
		if err != nil {
			return nil, fmt.Errorf("generalize replacement %q at %s: %w", c.ReplacementSource, node.Location(), err)
		}
		setCaseValue(node, replacement)
		result.Add(OperationGeneralize, node)
		return result, nil
	}

	if rule.OtherValuesRedact {
		node.Value = nil
	}
	result.Add(OperationGeneralize, node)
	return result, nil
}

// caseValue exposes the node's value to case expressions: numbers as
// float64, everything else as string.
func caseValue(node *fhir.Node) interface{} {
	switch node.Type {
	case fhir.TypeInteger, fhir.TypeDecimal:
		if f, err := strconv.ParseFloat(node.ValueString(), 64); err == nil {
			return f
		}
	case fhir.TypeBoolean:
		if b, ok := node.Value.(bool); ok {
			return b
		}
	}
	return node.ValueString()
}

// setCaseValue writes a replacement back preserving the node's numeric or
// boolean shape where possible.
func setCaseValue(node *fhir.Node, replacement interface{}) {
	switch v := replacement.(type) {
	case nil:
		node.Value = nil
	case bool:
		node.Value = v
	case int:
		node.Value = json.Number(strconv.Itoa(v))
	case int64:
		node.Value = json.Number(strconv.FormatInt(v, 10))
	case float64:
		node.Value = json.Number(strconv.FormatFloat(v, 'f', -1, 64))
	default:
		node.Value = fmt.Sprintf("%v", v)
	}
}

// ---------------------------------------------------------------------------
// Substitute
// ---------------------------------------------------------------------------

// SubstituteProcessor replaces the value with the rule's fixed replacement.
type SubstituteProcessor struct{}

func (SubstituteProcessor) Process(node *fhir.Node, _ *ProcessContext, settings Settings) (*ProcessResult, error) {
	result := NewProcessResult()
	if node == nil || node.Value == nil {
		return result, nil
	}

	replaceWith, ok := settings.String("replaceWith")
	if !ok {
		return result, nil
	}
	node.Value = replaceWith

	result.Add(OperationSubstitute, node)
	return result, nil
}
