// Package fhir provides the in-memory element tree the de-identification
// engine operates on, plus the JSON parser/serializer that converts between
// wire format and the tree. The tree is deliberately schema-light: primitive
// kinds are derived from the JSON value shape and a handful of well-known
// element names, which is all the rule engine needs to locate typed, named
// nodes.
package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Primitive type tags assigned by the parser.
const (
	TypeBoolean  = "boolean"
	TypeInteger  = "integer"
	TypeDecimal  = "decimal"
	TypeString   = "string"
	TypeDate     = "date"
	TypeDateTime = "dateTime"
	TypeInstant  = "instant"
)

var (
	dateTimeValueRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}`)
	dateValueRegex     = regexp.MustCompile(`^\d{4}(-\d{2}(-\d{2})?)?$`)
)

// Node is a single element in a parsed document tree. Leaf (primitive) nodes
// carry a scalar Value; structural nodes carry Children. Nodes are owned by
// the tree they belong to and are mutated in place by the anonymization
// engine.
type Node struct {
	// Name is the element name within the parent ("name", "given", "entry").
	// Empty for the document root.
	Name string

	// Type is the instance type tag: a resource type name for resource
	// nodes, a primitive kind for leaves, empty for anonymous structural
	// elements.
	Type string

	// Value is the scalar payload of a primitive leaf: string, bool or
	// json.Number. Nil for structural nodes and for redacted leaves.
	Value interface{}

	Children []*Node
	Parent   *Node

	resource  bool
	fromArray bool
}

// Parse converts a JSON document into an element tree. The top-level object
// must carry a resourceType.
func Parse(data []byte) (*Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("fhir: parse resource: %w", err)
	}

	root := buildNode("", raw, nil)
	if root == nil || !root.resource {
		return nil, fmt.Errorf("fhir: missing resourceType in document root")
	}
	return root, nil
}

func buildNode(name string, v interface{}, parent *Node) *Node {
	switch val := v.(type) {
	case map[string]interface{}:
		n := &Node{Name: name, Parent: parent}
		if rt, ok := val["resourceType"].(string); ok && rt != "" {
			n.Type = rt
			n.resource = true
		}

		keys := make([]string, 0, len(val))
		for k := range val {
			if k == "resourceType" {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			appendChildren(n, k, val[k])
		}
		return n

	case []interface{}:
		// Arrays are flattened into repeated same-named children by the
		// caller; a bare array cannot form a node on its own.
		return nil

	case string:
		return &Node{Name: name, Parent: parent, Type: classifyString(name, val), Value: val}

	case json.Number:
		t := TypeDecimal
		if !strings.ContainsAny(val.String(), ".eE") {
			t = TypeInteger
		}
		return &Node{Name: name, Parent: parent, Type: t, Value: val}

	case bool:
		return &Node{Name: name, Parent: parent, Type: TypeBoolean, Value: val}

	default:
		// JSON null or an unsupported kind: drop the element.
		return nil
	}
}

func appendChildren(parent *Node, name string, v interface{}) {
	if arr, ok := v.([]interface{}); ok {
		for _, item := range arr {
			if child := buildNode(name, item, parent); child != nil {
				child.fromArray = true
				parent.Children = append(parent.Children, child)
			}
		}
		return
	}
	if child := buildNode(name, v, parent); child != nil {
		parent.Children = append(parent.Children, child)
	}
}

// classifyString derives the primitive kind of a string-valued element.
// Reference strings stay plain strings; reference handling keys off the
// element name instead.
func classifyString(name, v string) string {
	switch {
	case dateTimeValueRegex.MatchString(v):
		if name == "issued" || name == "instant" || name == "timestamp" || name == "lastUpdated" {
			return TypeInstant
		}
		return TypeDateTime
	case dateValueRegex.MatchString(v) && isDateElementName(name):
		return TypeDate
	default:
		return TypeString
	}
}

func isDateElementName(name string) bool {
	lower := strings.ToLower(name)
	return lower == "birthdate" || lower == "date" || strings.HasSuffix(lower, "date") ||
		lower == "start" || lower == "end" || lower == "onset" || lower == "deceaseddate"
}

// IsResource reports whether the node is a resource root: the document root
// or an embedded/contained resource.
func (n *Node) IsResource() bool {
	return n != nil && n.resource
}

// IsContained reports whether the node is a resource under a `contained`
// element. Bundle entry resources are embedded under `resource` elements and
// are not contained: they are tagged with security labels in their own
// right, while labels for contained resources go to the container.
func (n *Node) IsContained() bool {
	return n.IsResource() && n.Parent != nil && n.Name == "contained"
}

// IsLeaf reports whether the node is a primitive element.
func (n *Node) IsLeaf() bool {
	return n != nil && len(n.Children) == 0 && n.Value != nil
}

// ValueString returns the node's scalar value rendered as a string, or ""
// when the node has no value.
func (n *Node) ValueString() string {
	if n == nil || n.Value == nil {
		return ""
	}
	switch v := n.Value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ChildrenNamed returns all direct children with the given element name, in
// document order.
func (n *Node) ChildrenNamed(name string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// FirstChild returns the first direct child with the given name, or nil.
func (n *Node) FirstChild(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// AddChild appends a child and sets its parent pointer.
func (n *Node) AddChild(c *Node) {
	c.Parent = n
	n.Children = append(n.Children, c)
}

// RemoveChild removes the given child by identity.
func (n *Node) RemoveChild(c *Node) {
	for i, existing := range n.Children {
		if existing == c {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			c.Parent = nil
			return
		}
	}
}

// MarkResource tags the node as a resource root of the given type. Used by
// code that builds trees programmatically (tests, security tagging).
func (n *Node) MarkResource(resourceType string) {
	n.Type = resourceType
	n.resource = true
}

// MarkRepeated tags the node as a JSON array member so serialization
// preserves the array shape.
func (n *Node) MarkRepeated() {
	n.fromArray = true
}

// Location returns a dotted path for diagnostics, e.g.
// "Patient.name[0].given[1]".
func (n *Node) Location() string {
	if n == nil {
		return ""
	}
	if n.Parent == nil {
		if n.Type != "" {
			return n.Type
		}
		return n.Name
	}

	seg := n.Name
	if n.fromArray {
		idx := 0
		for _, sib := range n.Parent.Children {
			if sib == n {
				break
			}
			if sib.Name == n.Name {
				idx++
			}
		}
		seg = fmt.Sprintf("%s[%d]", n.Name, idx)
	}
	return n.Parent.Location() + "." + seg
}

// ResourceID returns the value of the resource's "id" element, if any.
func (n *Node) ResourceID() string {
	if !n.IsResource() {
		return ""
	}
	return n.FirstChild("id").ValueString()
}

// RemoveEmptyNodes prunes, bottom-up, every node that has neither a value
// nor children, so redaction never leaves dangling structural artifacts.
// Resource roots are kept even when fully emptied. The return value reports
// whether n itself is empty and should be removed by its parent. The pass is
// idempotent.
func RemoveEmptyNodes(n *Node) bool {
	if n == nil {
		return true
	}

	children := make([]*Node, len(n.Children))
	copy(children, n.Children)
	for _, child := range children {
		if RemoveEmptyNodes(child) {
			n.RemoveChild(child)
		}
	}

	return len(n.Children) == 0 && n.Value == nil && !n.IsResource()
}

// Serialize renders the tree back to FHIR JSON.
func Serialize(n *Node) ([]byte, error) {
	v := nodeToValue(n)
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("fhir: serialize resource: %w", err)
	}
	return data, nil
}

func nodeToValue(n *Node) interface{} {
	if len(n.Children) == 0 && !n.IsResource() {
		return n.Value
	}

	m := make(map[string]interface{}, len(n.Children)+1)
	if n.IsResource() {
		m["resourceType"] = n.Type
	}

	for _, c := range n.Children {
		if _, done := m[c.Name]; done {
			continue
		}
		siblings := n.ChildrenNamed(c.Name)
		if len(siblings) > 1 || c.fromArray {
			arr := make([]interface{}, 0, len(siblings))
			for _, s := range siblings {
				arr = append(arr, nodeToValue(s))
			}
			m[c.Name] = arr
		} else {
			m[c.Name] = nodeToValue(c)
		}
	}
	return m
}
