package anonymizer

import "github.com/ehr/deidentify/internal/fhir"

// Operation names recorded by strategies. A resource root's accumulated set
// of operations drives the security labels attached at the end of its
// traversal.
const (
	OperationRedact       = "redact"
	OperationAbstract     = "abstract"
	OperationCryptoHash   = "cryptoHash"
	OperationEncrypt      = "encrypt"
	OperationPerturb      = "perturb"
	OperationSubstitute   = "substitute"
	OperationGeneralize   = "generalize"
	OperationPseudonymize = "pseudonymize"
)

// operationLabels maps recorded operations to the security label appended to
// meta.security of processed resource roots.
var operationLabels = map[string]string{
	OperationRedact:       fhir.LabelRedacted,
	OperationAbstract:     fhir.LabelAbstracted,
	OperationCryptoHash:   fhir.LabelCryptoHashed,
	OperationEncrypt:      fhir.LabelEncrypted,
	OperationPerturb:      fhir.LabelPerturbed,
	OperationSubstitute:   fhir.LabelSubstituted,
	OperationGeneralize:   fhir.LabelGeneralized,
	OperationPseudonymize: fhir.LabelPseudonymized,
}

// ProcessResult accumulates which operations touched which nodes during one
// strategy invocation or one resource-root traversal. Merging is set union,
// so repeated merges of the same record stay idempotent.
type ProcessResult struct {
	records map[string]map[*fhir.Node]struct{}
}

// NewProcessResult returns an empty accumulator.
func NewProcessResult() *ProcessResult {
	return &ProcessResult{records: make(map[string]map[*fhir.Node]struct{})}
}

// Add records that an operation was applied to a node.
func (r *ProcessResult) Add(operation string, node *fhir.Node) {
	set, ok := r.records[operation]
	if !ok {
		set = make(map[*fhir.Node]struct{})
		r.records[operation] = set
	}
	set[node] = struct{}{}
}

// Update unions another result into this one.
func (r *ProcessResult) Update(other *ProcessResult) {
	if other == nil {
		return
	}
	for op, nodes := range other.records {
		for node := range nodes {
			r.Add(op, node)
		}
	}
}

// Has reports whether the operation was recorded for at least one node.
func (r *ProcessResult) Has(operation string) bool {
	return len(r.records[operation]) > 0
}

// Empty reports whether nothing was recorded.
func (r *ProcessResult) Empty() bool {
	return len(r.records) == 0
}

// Operations returns the distinct recorded operation names.
func (r *ProcessResult) Operations() []string {
	ops := make([]string, 0, len(r.records))
	for op := range r.records {
		ops = append(ops, op)
	}
	return ops
}

// ApplySecurityLabels appends one security label per distinct recorded
// operation onto the resource root's metadata.
func (r *ProcessResult) ApplySecurityLabels(root *fhir.Node) {
	if r.Empty() {
		return
	}
	for op := range r.records {
		if label, ok := operationLabels[op]; ok {
			root.AddSecurityLabel(label)
		}
	}
}
