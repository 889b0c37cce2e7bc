package fhir

// DeidentificationLabelSystem is the code system for de-identification
// method security labels.
const DeidentificationLabelSystem = "http://terminology.hl7.org/CodeSystem/v3-ObservationValue"

// De-identification method codes attached to meta.security of processed
// resources.
const (
	LabelRedacted      = "REDACTED"
	LabelAbstracted    = "ABSTRED"
	LabelCryptoHashed  = "CRYTOHASH"
	LabelEncrypted     = "ENCRYPT"
	LabelPerturbed     = "PERTURBED"
	LabelSubstituted   = "SUBSTITUTED"
	LabelGeneralized   = "GENERALIZED"
	LabelPseudonymized = "PSEUDED"
)

// HasSecurityLabel reports whether the resource's meta.security already
// carries the given code.
func (n *Node) HasSecurityLabel(code string) bool {
	meta := n.FirstChild("meta")
	if meta == nil {
		return false
	}
	for _, sec := range meta.ChildrenNamed("security") {
		if sec.FirstChild("code").ValueString() == code {
			return true
		}
	}
	return false
}

// AddSecurityLabel appends a de-identification method label to the
// resource's meta.security. Adding an already-present code is a no-op, so
// repeated tagging of the same resource stays idempotent.
func (n *Node) AddSecurityLabel(code string) {
	if n == nil || code == "" || n.HasSecurityLabel(code) {
		return
	}

	meta := n.FirstChild("meta")
	if meta == nil {
		meta = &Node{Name: "meta"}
		n.AddChild(meta)
	}

	system := &Node{Name: "system", Type: TypeString, Value: DeidentificationLabelSystem}
	codeNode := &Node{Name: "code", Type: TypeString, Value: code}

	sec := &Node{Name: "security"}
	sec.MarkRepeated()
	sec.AddChild(system)
	sec.AddChild(codeNode)
	meta.AddChild(sec)
}
