// Package anonymizer implements the de-identification engine: a compiled
// rule set, a set of transformation strategies and a tree visitor that
// applies them to parsed documents.
package anonymizer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/deidentify/internal/fhir"
)

var knownMethods = map[string]bool{
	MethodKeep:         true,
	MethodRedact:       true,
	MethodCryptoHash:   true,
	MethodEncrypt:      true,
	MethodDateShift:    true,
	MethodPerturb:      true,
	MethodSubstitute:   true,
	MethodGeneralize:   true,
	MethodPseudonymize: true,
}

// Engine applies a compiled rule set to documents. The standard engine
// registers the full forward-transformation registry; the variant built by
// NewDePseudonymizeEngine registers only the reversing strategies, so in it
// rules with forward-only methods are inert.
type Engine struct {
	rules      RuleSet
	processors map[string]Processor
	logger     zerolog.Logger
	tagging    bool
}

// EngineOption customizes engine construction.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithProcessor registers or replaces the strategy bound to a method name.
// This is how the pseudonymization strategies, which need a backing service
// client, are attached.
func WithProcessor(method string, p Processor) EngineOption {
	return func(e *Engine) { e.processors[method] = p }
}

// WithoutSecurityLabels disables security-label tagging of processed
// resource roots.
func WithoutSecurityLabels() EngineOption {
	return func(e *Engine) { e.tagging = false }
}

// NewEngine compiles the configuration into a ready engine. Any rule
// problem, including an unknown method name, fails construction.
func NewEngine(cfg *Config, opts ...EngineOption) (*Engine, error) {
	e, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}

	params := cfg.Parameters
	encryptor, err := NewFieldEncryptor(params.EncryptKey)
	if err != nil {
		return nil, configErrorf(err, "encrypt key")
	}

	e.processors = map[string]Processor{
		MethodKeep:    KeepProcessor{},
		MethodPerturb: PerturbProcessor{},
		MethodRedact: &RedactProcessor{
			EnablePartialDatesForRedact:      params.EnablePartialDatesForRedact,
			EnablePartialAgesForRedact:       params.EnablePartialAgesForRedact,
			EnablePartialZipCodesForRedact:   params.EnablePartialZipCodesForRedact,
			RestrictedZipCodeTabulationAreas: params.RestrictedZipCodeTabulationAreas,
		},
		MethodCryptoHash: &CryptoHashProcessor{Key: params.CryptoHashKey, Logger: e.logger},
		MethodEncrypt:    &EncryptProcessor{Encryptor: encryptor},
		MethodDateShift: &DateShiftProcessor{
			DateShiftKey:                params.DateShiftKey,
			DateShiftKeyPrefix:          params.DateShiftKeyPrefix,
			EnablePartialDatesForRedact: params.EnablePartialDatesForRedact,
		},
		MethodSubstitute: SubstituteProcessor{},
		MethodGeneralize: GeneralizeProcessor{},
	}

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// NewDePseudonymizeEngine compiles the configuration into the reversing
// engine: pseudonymized values are looked up back and encrypted values are
// decrypted. All other rule methods are inert in this engine.
func NewDePseudonymizeEngine(cfg *Config, opts ...EngineOption) (*Engine, error) {
	e, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}

	encryptor, err := NewFieldEncryptor(cfg.Parameters.EncryptKey)
	if err != nil {
		return nil, configErrorf(err, "encrypt key")
	}

	e.processors = map[string]Processor{
		MethodKeep:    KeepProcessor{},
		MethodEncrypt: &DecryptProcessor{Encryptor: encryptor, Logger: e.logger},
	}

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func newEngine(cfg *Config) (*Engine, error) {
	rules, err := CompileRules(cfg.FhirPathRules)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if !knownMethods[rule.Method] {
			return nil, &ConfigError{Reason: fmt.Sprintf("unknown method %q at %q", rule.Method, rule.Path)}
		}
	}

	return &Engine{
		rules:   rules,
		logger:  zerolog.Nop(),
		tagging: true,
	}, nil
}

// Rules exposes the compiled rule set.
func (e *Engine) Rules() RuleSet { return e.rules }

// AnonymizeNode runs the rule set over an already-parsed tree, mutating it
// in place. Dynamic settings override the static rule settings key by key
// for this invocation only. ctx bounds calls to external services made by
// processors such as pseudonymization.
func (e *Engine) AnonymizeNode(ctx context.Context, root *fhir.Node, dynamic map[string]interface{}) error {
	v := newVisitor(ctx, e.rules, e.processors, dynamic, e.tagging, e.logger)
	return v.walk(root)
}

// AnonymizeJSON parses a document, runs the rule set and serializes the
// transformed tree.
func (e *Engine) AnonymizeJSON(ctx context.Context, data []byte, dynamic map[string]interface{}) ([]byte, error) {
	root, err := fhir.Parse(data)
	if err != nil {
		return nil, err
	}
	if err := e.AnonymizeNode(ctx, root, dynamic); err != nil {
		return nil, err
	}
	return fhir.Serialize(root)
}
