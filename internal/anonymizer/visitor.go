package anonymizer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/deidentify/internal/fhir"
)

// visitor performs one depth-first walk over a document tree, applying the
// rule set at every resource root it enters. Nested resource roots (bundle
// entries, contained resources) run as independent sub-traversals whose
// results union upward into the enclosing root's result.
type visitor struct {
	ctx        context.Context
	rules      RuleSet
	processors map[string]Processor
	dynamic    map[string]interface{}
	tagging    bool
	logger     zerolog.Logger

	// visited spans the whole walk: the first rule to claim a node wins,
	// later rules skip it.
	visited map[*fhir.Node]struct{}

	contextStack []*stackFrame
}

type stackFrame struct {
	root   *fhir.Node
	result *ProcessResult
}

func newVisitor(ctx context.Context, rules RuleSet, processors map[string]Processor, dynamic map[string]interface{}, tagging bool, logger zerolog.Logger) *visitor {
	return &visitor{
		ctx:        ctx,
		rules:      rules,
		processors: processors,
		dynamic:    dynamic,
		tagging:    tagging,
		logger:     logger,
		visited:    make(map[*fhir.Node]struct{}),
	}
}

// walk traverses the whole tree and then prunes emptied elements, so
// redaction leaves no dangling structural artifacts.
func (v *visitor) walk(root *fhir.Node) error {
	if err := v.visit(root); err != nil {
		return err
	}
	fhir.RemoveEmptyNodes(root)
	return nil
}

func (v *visitor) visit(node *fhir.Node) error {
	if node.IsResource() {
		result, err := v.processResourceRoot(node)
		if err != nil {
			return err
		}
		v.contextStack = append(v.contextStack, &stackFrame{root: node, result: result})
	}

	for _, child := range node.Children {
		if err := v.visit(child); err != nil {
			return err
		}
	}

	if node.IsResource() {
		v.leaveResourceRoot(node)
	}
	return nil
}

func (v *visitor) leaveResourceRoot(node *fhir.Node) {
	frame := v.contextStack[len(v.contextStack)-1]
	v.contextStack = v.contextStack[:len(v.contextStack)-1]

	if frame.root != node {
		// A mismatched frame means the traversal itself is broken; there is
		// no sane way to continue.
		panic(fmt.Sprintf("anonymizer: context stack mismatch at %s", node.Location()))
	}

	if len(v.contextStack) > 0 {
		v.contextStack[len(v.contextStack)-1].result.Update(frame.result)
	}

	if v.tagging && !node.IsContained() {
		frame.result.ApplySecurityLabels(node)
	}
}

// processResourceRoot applies every rule matching this root's type, in
// declared order, and accumulates the operations performed.
func (v *visitor) processResourceRoot(root *fhir.Node) (*ProcessResult, error) {
	result := NewProcessResult()

	for _, rule := range v.rules.RulesForResource(root.Type) {
		processor, ok := v.processors[rule.Method]
		if !ok {
			// This engine variant does not register the method; the rule is
			// inert here.
			continue
		}

		var matches []*fhir.Node
		if rule.resourceTypeRule {
			matches = []*fhir.Node{root}
		} else {
			var err error
			matches, err = rule.Expression.Nodes(root)
			if err != nil {
				return nil, err
			}
		}

		ctx := &ProcessContext{Context: v.ctx, Visited: v.visited, Rule: rule}
		settings := MergeSettings(rule.Settings, v.dynamic)

		ruleResult := NewProcessResult()
		for _, match := range matches {
			matchResult, err := v.processNodeRecursive(match, processor, ctx, settings)
			if err != nil {
				return nil, err
			}
			ruleResult.Update(matchResult)
		}

		v.logRuleResult(root, rule, ruleResult)
		result.Update(ruleResult)
	}

	return result, nil
}

// processNodeRecursive applies the processor to a matched node and all its
// descendants, stopping at nested resource roots, which get their own
// traversal. Nodes already claimed by an earlier rule are skipped.
func (v *visitor) processNodeRecursive(node *fhir.Node, processor Processor, ctx *ProcessContext, settings Settings) (*ProcessResult, error) {
	if _, seen := v.visited[node]; seen {
		return NewProcessResult(), nil
	}

	result, err := processor.Process(node, ctx, settings)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = NewProcessResult()
	}
	v.visited[node] = struct{}{}

	for _, child := range node.Children {
		if child.IsResource() {
			continue
		}
		childResult, err := v.processNodeRecursive(child, processor, ctx, settings)
		if err != nil {
			return nil, err
		}
		result.Update(childResult)
	}

	return result, nil
}

func (v *visitor) logRuleResult(root *fhir.Node, rule *Rule, result *ProcessResult) {
	if result.Empty() || v.logger.GetLevel() > zerolog.DebugLevel {
		return
	}
	v.logger.Debug().
		Str("resource", root.Type).
		Str("resource_id", root.ResourceID()).
		Str("rule_path", rule.Path).
		Strs("operations", result.Operations()).
		Msg("rule applied")
}
