package pseudonym

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/deidentify/internal/anonymizer"
	"github.com/ehr/deidentify/internal/fhir"
)

// conditionalDomainRegex extracts the resource-type token in front of a
// conditional reference's query, for example "Patient" in
// "Patient?identifier=http://acme.org|123".
var conditionalDomainRegex = regexp.MustCompile(`^(?P<domain>.*?)(/|\?)`)

// PseudonymizationProcessor replaces values with pseudonyms resolved from a
// pseudonym service. Reference-shaped values keep their structural prefix
// and only the identifier part is replaced.
type PseudonymizationProcessor struct {
	Client Client
	Logger zerolog.Logger

	// ConditionalReferences enables pseudonymizing conditional references
	// ("Patient?identifier=..."), deriving the domain from the resource
	// type in front of the query.
	ConditionalReferences bool
}

func (p *PseudonymizationProcessor) Process(node *fhir.Node, ctx *anonymizer.ProcessContext, settings anonymizer.Settings) (*anonymizer.ProcessResult, error) {
	result := anonymizer.NewProcessResult()
	value := node.ValueString()
	if !node.IsLeaf() || value == "" {
		return result, nil
	}
	// Conditional references stay untouched unless opted in.
	if !p.ConditionalReferences && isReferenceShaped(node, value) && strings.Contains(value, "?") {
		return result, nil
	}

	resolved, err := p.transform(requestContext(ctx), node, value, settings)
	if err != nil {
		return nil, err
	}

	node.Value = resolved
	result.Add(anonymizer.OperationPseudonymize, node)
	return result, nil
}

func (p *PseudonymizationProcessor) transform(ctx context.Context, node *fhir.Node, value string, settings anonymizer.Settings) (string, error) {
	domain := domainSetting(settings)
	prefix := domainPrefixSetting(settings)

	if isReferenceShaped(node, value) {
		return anonymizer.TransformReferenceID(value, func(id string) (string, error) {
			scope := domain
			if scope == "" {
				scope = referenceDomain(value)
			}
			if scope == "" {
				return "", fmt.Errorf("pseudonym: no domain could be derived for reference %q", value)
			}
			return p.Client.GetOrCreatePseudonymFor(ctx, id, prefix+scope)
		})
	}

	if domain == "" {
		return "", fmt.Errorf("pseudonym: rule for %s sets no domain", node.Location())
	}
	return p.Client.GetOrCreatePseudonymFor(ctx, value, prefix+domain)
}

// DePseudonymizationProcessor reverses pseudonymization by resolving values
// back through the pseudonym service. Unknown pseudonyms are left in place;
// the client degrades reverse-lookup failures to the input value.
type DePseudonymizationProcessor struct {
	Client Client
	Logger zerolog.Logger

	ConditionalReferences bool
}

func (p *DePseudonymizationProcessor) Process(node *fhir.Node, ctx *anonymizer.ProcessContext, settings anonymizer.Settings) (*anonymizer.ProcessResult, error) {
	result := anonymizer.NewProcessResult()
	value := node.ValueString()
	if !node.IsLeaf() || value == "" {
		return result, nil
	}

	domain := domainSetting(settings)
	prefix := domainPrefixSetting(settings)
	callCtx := requestContext(ctx)

	if isReferenceShaped(node, value) {
		if !p.ConditionalReferences && strings.Contains(value, "?") {
			return result, nil
		}
		resolved, err := anonymizer.TransformReferenceID(value, func(id string) (string, error) {
			scope := domain
			if scope == "" {
				scope = referenceDomain(value)
			}
			if scope == "" {
				return "", fmt.Errorf("pseudonym: no domain could be derived for reference %q", value)
			}
			return p.Client.GetOriginalValueFor(callCtx, id, prefix+scope)
		})
		if err != nil {
			return nil, err
		}
		node.Value = resolved
		return result, nil
	}

	if domain == "" {
		return nil, fmt.Errorf("pseudonym: rule for %s sets no domain", node.Location())
	}
	resolved, err := p.Client.GetOriginalValueFor(callCtx, value, prefix+domain)
	if err != nil {
		return nil, err
	}
	node.Value = resolved
	return result, nil
}

// isReferenceShaped reports whether the node carries a value whose
// identifier part should be rewritten instead of the whole value.
func isReferenceShaped(node *fhir.Node, value string) bool {
	return node.Name == "reference" || anonymizer.IsResourceReference(value)
}

// domainSetting reads the pseudonym domain from rule settings. "namespace"
// is accepted as an alias so Vfps-oriented configurations read naturally.
func domainSetting(settings anonymizer.Settings) string {
	if v, ok := settings.String("domain"); ok && v != "" {
		return v
	}
	if v, ok := settings.String("namespace"); ok && v != "" {
		return v
	}
	return ""
}

func domainPrefixSetting(settings anonymizer.Settings) string {
	if v, ok := settings.String("domain-prefix"); ok && v != "" {
		return v
	}
	if v, ok := settings.String("namespace-prefix"); ok && v != "" {
		return v
	}
	return ""
}

// referenceDomain derives the pseudonym domain from the reference itself:
// "Patient/123" and "Patient?identifier=..." both map to "Patient".
func referenceDomain(reference string) string {
	if strings.Contains(reference, "?") {
		if m := conditionalDomainRegex.FindStringSubmatch(reference); m != nil {
			return m[conditionalDomainRegex.SubexpIndex("domain")]
		}
		return ""
	}
	if prefix := anonymizer.ReferencePrefix(reference); prefix != "" {
		return strings.TrimRight(prefix, "/")
	}
	return ""
}

func requestContext(ctx *anonymizer.ProcessContext) context.Context {
	if ctx != nil && ctx.Context != nil {
		return ctx.Context
	}
	return context.Background()
}
