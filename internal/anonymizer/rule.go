package anonymizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ConfigError marks a problem in the rule configuration. Rule compilation
// fails fast on it at startup; it is never produced at request time.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("anonymizer config: %s: %v", e.Reason, e.Err)
	}
	return "anonymizer config: " + e.Reason
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(err error, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// Transformation method names accepted in rule configurations.
const (
	MethodKeep         = "keep"
	MethodRedact       = "redact"
	MethodCryptoHash   = "cryptohash"
	MethodEncrypt      = "encrypt"
	MethodDateShift    = "dateshift"
	MethodPerturb      = "perturb"
	MethodSubstitute   = "substitute"
	MethodGeneralize   = "generalize"
	MethodPseudonymize = "pseudonymize"
)

// GeneralizeCase is one compiled (predicate, replacement) pair. Both
// expressions are evaluated against the matched node's value, bound to the
// identifier "value".
type GeneralizeCase struct {
	PredicateSource   string
	ReplacementSource string
	predicate         *vm.Program
	replacement       *vm.Program
}

// Rule is a single compiled de-identification rule. Immutable once compiled.
type Rule struct {
	// Path is the original path expression text.
	Path string

	// ResourceType scopes the rule to one document root type. Empty means
	// the rule applies to every root.
	ResourceType string

	// Method is the lowercased transformation method name.
	Method string

	// Settings holds all additional rule keys, untouched.
	Settings map[string]interface{}

	// Expression is the compiled form of Path.
	Expression *PathExpression

	// resourceTypeRule is true when the path is exactly a type name. Such a
	// rule matches the resource root itself: path evaluation across an
	// embedding boundary is not supported, so "Patient" must select a
	// Patient root even inside a bundle entry.
	resourceTypeRule bool

	// Cases is populated for generalize rules only.
	Cases []GeneralizeCase

	// OtherValuesRedact controls what a generalize rule does with values no
	// case matched: redact (default) or keep.
	OtherValuesRedact bool

	// ReplaceWith is populated for substitute rules only.
	ReplaceWith string
}

// RuleSet is an ordered, immutable list of compiled rules. Order defines
// apply order per resource root.
type RuleSet []*Rule

// RulesForResource returns the rules applicable to one root type, in
// declared order: unscoped rules and rules scoped to exactly this type.
func (rs RuleSet) RulesForResource(resourceType string) []*Rule {
	var out []*Rule
	for _, r := range rs {
		if r.ResourceType == "" || r.ResourceType == resourceType {
			out = append(out, r)
		}
	}
	return out
}

// CompileRules turns raw rule maps into a RuleSet. Each raw rule
// must carry "path" and "method"; every other key becomes a setting. Any
// malformed rule aborts compilation.
func CompileRules(raw []map[string]interface{}) (RuleSet, error) {
	rules := make(RuleSet, 0, len(raw))
	for i, spec := range raw {
		rule, err := compileRule(spec)
		if err != nil {
			return nil, configErrorf(err, "rule %d", i)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func compileRule(spec map[string]interface{}) (*Rule, error) {
	path, _ := spec["path"].(string)
	if path == "" {
		return nil, &ConfigError{Reason: "missing path"}
	}
	method, _ := spec["method"].(string)
	if method == "" {
		return nil, &ConfigError{Reason: fmt.Sprintf("missing method for path %q", path)}
	}

	expression, err := CompilePath(path)
	if err != nil {
		return nil, err
	}

	settings := make(map[string]interface{}, len(spec))
	for k, v := range spec {
		if k == "path" || k == "method" {
			continue
		}
		settings[k] = v
	}

	rule := &Rule{
		Path:             path,
		ResourceType:     scopeFromPath(path),
		Method:           strings.ToLower(method),
		Settings:         settings,
		Expression:       expression,
		resourceTypeRule: isBareTypePath(path),
	}

	switch rule.Method {
	case MethodGeneralize:
		if err := compileGeneralizeSettings(rule); err != nil {
			return nil, err
		}
	case MethodSubstitute:
		replaceWith, ok := settings["replaceWith"]
		if !ok {
			return nil, &ConfigError{Reason: fmt.Sprintf("missing replaceWith in substitute rule at %q", path)}
		}
		rule.ReplaceWith = fmt.Sprintf("%v", replaceWith)
	}

	return rule, nil
}

// isBareTypePath reports whether the path consists of a single type token.
func isBareTypePath(path string) bool {
	if path == "" || strings.ContainsAny(path, ".([ |") {
		return false
	}
	return unicode.IsUpper(rune(path[0]))
}

// scopeFromPath derives the resource-type scope from the path's leading type
// token. "Resource" and "DomainResource" are wildcards, as are paths that
// start with a field or function instead of a type name.
func scopeFromPath(path string) string {
	head := path
	if idx := strings.IndexAny(path, ".([ "); idx >= 0 {
		head = path[:idx]
	}
	if head == "" || head == "Resource" || head == "DomainResource" {
		return ""
	}
	if !unicode.IsUpper(rune(head[0])) {
		return ""
	}
	return head
}

func compileGeneralizeSettings(rule *Rule) error {
	rawCases, ok := rule.Settings["cases"]
	if !ok {
		return &ConfigError{Reason: fmt.Sprintf("missing cases in generalize rule at %q", rule.Path)}
	}

	pairs, err := orderedCases(rawCases)
	if err != nil {
		return configErrorf(err, "invalid cases in generalize rule at %q", rule.Path)
	}
	if len(pairs) == 0 {
		return &ConfigError{Reason: fmt.Sprintf("empty cases in generalize rule at %q", rule.Path)}
	}

	for _, pair := range pairs {
		predicate, err := expr.Compile(normalizeCaseExpression(pair[0]), expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return configErrorf(err, "invalid case predicate %q at %q", pair[0], rule.Path)
		}
		replacement, err := expr.Compile(pair[1], expr.AllowUndefinedVariables())
		if err != nil {
			return configErrorf(err, "invalid case replacement %q at %q", pair[1], rule.Path)
		}
		rule.Cases = append(rule.Cases, GeneralizeCase{
			PredicateSource:   pair[0],
			ReplacementSource: pair[1],
			predicate:         predicate,
			replacement:       replacement,
		})
	}

	rule.OtherValuesRedact = true
	if other, ok := rule.Settings["otherValues"]; ok {
		switch strings.ToLower(fmt.Sprintf("%v", other)) {
		case "redact":
		case "keep":
			rule.OtherValuesRedact = false
		default:
			return &ConfigError{Reason: fmt.Sprintf("invalid otherValues %q at %q, want redact or keep", other, rule.Path)}
		}
	}
	return nil
}

// normalizeCaseExpression rewrites a bare = equality, the comparison
// operator of FHIRPath-style case predicates, to the == operator the
// expression engine expects. Quoted literals and the ==, !=, <= and >=
// operators are left untouched.
func normalizeCaseExpression(s string) string {
	var b strings.Builder
	var quote rune
	runes := []rune(s)
	for i, r := range runes {
		if quote != 0 {
			b.WriteRune(r)
			if r == quote {
				quote = 0
			}
			continue
		}
		switch r {
		case '\'', '"':
			quote = r
			b.WriteRune(r)
		case '=':
			var prev, next rune
			if i > 0 {
				prev = runes[i-1]
			}
			if i+1 < len(runes) {
				next = runes[i+1]
			}
			if prev == '=' || prev == '!' || prev == '<' || prev == '>' || next == '=' {
				b.WriteRune(r)
			} else {
				b.WriteString("==")
			}
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// orderedCases extracts (predicate, replacement) pairs preserving their
// declaration order. Cases are given either as a JSON object string, which
// keeps order, or as an already-decoded map, which does not guarantee it.
func orderedCases(raw interface{}) ([][2]string, error) {
	switch v := raw.(type) {
	case string:
		return parseOrderedJSONObject(v)
	case map[string]interface{}:
		pairs := make([][2]string, 0, len(v))
		for pred, repl := range v {
			pairs = append(pairs, [2]string{pred, fmt.Sprintf("%v", repl)})
		}
		return pairs, nil
	default:
		return nil, fmt.Errorf("cases must be a JSON object string or a map, got %T", raw)
	}
}

func parseOrderedJSONObject(s string) ([][2]string, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("cases string must be a JSON object")
	}

	var pairs [][2]string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key := keyTok.(string)

		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		pairs = append(pairs, [2]string{key, fmt.Sprintf("%v", value)})
	}
	return pairs, nil
}

// Matches evaluates the case predicate against a node value.
func (c *GeneralizeCase) Matches(value interface{}) (bool, error) {
	out, err := expr.Run(c.predicate, map[string]interface{}{"value": value})
	if err != nil {
		return false, err
	}
	b, _ := out.(bool)
	return b, nil
}

// Replacement computes the case's replacement for a node value.
func (c *GeneralizeCase) Replace(value interface{}) (interface{}, error) {
	return expr.Run(c.replacement, map[string]interface{}{"value": value})
}
