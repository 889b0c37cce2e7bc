package pseudonym

import (
	"context"
	"strings"
	"testing"

	"github.com/ehr/deidentify/internal/anonymizer"
	"github.com/ehr/deidentify/internal/fhir"
)

type recordingClient struct {
	creates map[string]string
	lookups map[string]string
}

func (c *recordingClient) GetOrCreatePseudonymFor(ctx context.Context, value, domain string) (string, error) {
	if c.creates == nil {
		c.creates = make(map[string]string)
	}
	c.creates[value] = domain
	return "psn-" + value, nil
}

func (c *recordingClient) GetOriginalValueFor(ctx context.Context, pseudonym, domain string) (string, error) {
	if c.lookups == nil {
		c.lookups = make(map[string]string)
	}
	c.lookups[pseudonym] = domain
	return strings.TrimPrefix(pseudonym, "psn-"), nil
}

func leafNode(t *testing.T, doc string, path ...string) *fhir.Node {
	t.Helper()
	root, err := fhir.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	node := root
	for _, name := range path {
		node = node.FirstChild(name)
		if node == nil {
			t.Fatalf("no child %q under %s", name, doc)
		}
	}
	return node
}

func TestPseudonymizationProcessor(t *testing.T) {
	t.Run("plain value with configured domain", func(t *testing.T) {
		node := leafNode(t, `{"resourceType":"Patient","id":"123"}`, "id")
		client := &recordingClient{}
		processor := &PseudonymizationProcessor{Client: client}

		result, err := processor.Process(node, &anonymizer.ProcessContext{}, anonymizer.Settings{"domain": "Patient"})
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if got := node.ValueString(); got != "psn-123" {
			t.Fatalf("value = %q, want psn-123", got)
		}
		if !result.Has(anonymizer.OperationPseudonymize) {
			t.Fatal("result does not record the pseudonymize operation")
		}
		if client.creates["123"] != "Patient" {
			t.Fatalf("resolved in domain %q, want Patient", client.creates["123"])
		}
	})

	t.Run("namespace alias and prefix", func(t *testing.T) {
		node := leafNode(t, `{"resourceType":"Patient","id":"123"}`, "id")
		client := &recordingClient{}
		processor := &PseudonymizationProcessor{Client: client}

		settings := anonymizer.Settings{"namespace": "patients", "namespace-prefix": "acme-"}
		if _, err := processor.Process(node, &anonymizer.ProcessContext{}, settings); err != nil {
			t.Fatal(err)
		}
		if client.creates["123"] != "acme-patients" {
			t.Fatalf("resolved in domain %q, want acme-patients", client.creates["123"])
		}
	})

	t.Run("reference keeps prefix and derives domain", func(t *testing.T) {
		doc := `{"resourceType":"Observation","subject":{"reference":"Patient/123"}}`
		node := leafNode(t, doc, "subject", "reference")
		client := &recordingClient{}
		processor := &PseudonymizationProcessor{Client: client}

		if _, err := processor.Process(node, &anonymizer.ProcessContext{}, anonymizer.Settings{}); err != nil {
			t.Fatal(err)
		}
		if got := node.ValueString(); got != "Patient/psn-123" {
			t.Fatalf("value = %q, want Patient/psn-123", got)
		}
		if client.creates["123"] != "Patient" {
			t.Fatalf("resolved in domain %q, want Patient", client.creates["123"])
		}
	})

	t.Run("reference honors domain prefix", func(t *testing.T) {
		doc := `{"resourceType":"Observation","subject":{"reference":"Patient/123"}}`
		node := leafNode(t, doc, "subject", "reference")
		client := &recordingClient{}
		processor := &PseudonymizationProcessor{Client: client}

		settings := anonymizer.Settings{"domain-prefix": "site1-"}
		if _, err := processor.Process(node, &anonymizer.ProcessContext{}, settings); err != nil {
			t.Fatal(err)
		}
		if client.creates["123"] != "site1-Patient" {
			t.Fatalf("resolved in domain %q, want site1-Patient", client.creates["123"])
		}
	})

	t.Run("conditional reference untouched by default", func(t *testing.T) {
		doc := `{"resourceType":"Observation","subject":{"reference":"Patient?identifier=http://acme.org|123"}}`
		node := leafNode(t, doc, "subject", "reference")
		client := &recordingClient{}
		processor := &PseudonymizationProcessor{Client: client}

		if _, err := processor.Process(node, &anonymizer.ProcessContext{}, anonymizer.Settings{}); err != nil {
			t.Fatal(err)
		}
		if got := node.ValueString(); got != "Patient?identifier=http://acme.org|123" {
			t.Fatalf("value changed to %q", got)
		}
		if len(client.creates) != 0 {
			t.Fatalf("client called for a conditional reference: %v", client.creates)
		}
	})

	t.Run("conditional reference with feature enabled", func(t *testing.T) {
		doc := `{"resourceType":"Observation","subject":{"reference":"Patient?identifier=http://acme.org|123"}}`
		node := leafNode(t, doc, "subject", "reference")
		client := &recordingClient{}
		processor := &PseudonymizationProcessor{Client: client, ConditionalReferences: true}

		if _, err := processor.Process(node, &anonymizer.ProcessContext{}, anonymizer.Settings{}); err != nil {
			t.Fatal(err)
		}
		if got := node.ValueString(); got != "Patient?identifier=http://acme.org|psn-123" {
			t.Fatalf("value = %q, want rewritten identifier", got)
		}
		if client.creates["123"] != "Patient" {
			t.Fatalf("resolved in domain %q, want Patient", client.creates["123"])
		}
	})

	t.Run("plain value without domain fails", func(t *testing.T) {
		node := leafNode(t, `{"resourceType":"Patient","id":"123"}`, "id")
		processor := &PseudonymizationProcessor{Client: &recordingClient{}}

		if _, err := processor.Process(node, &anonymizer.ProcessContext{}, anonymizer.Settings{}); err == nil {
			t.Fatal("want error for missing domain")
		}
	})

	t.Run("structural node is skipped", func(t *testing.T) {
		doc := `{"resourceType":"Observation","subject":{"reference":"Patient/123"}}`
		node := leafNode(t, doc, "subject")
		client := &recordingClient{}
		processor := &PseudonymizationProcessor{Client: client}

		result, err := processor.Process(node, &anonymizer.ProcessContext{}, anonymizer.Settings{})
		if err != nil {
			t.Fatal(err)
		}
		if !result.Empty() {
			t.Fatal("structural node produced a result")
		}
	})
}

func TestDePseudonymizationProcessor(t *testing.T) {
	t.Run("plain value", func(t *testing.T) {
		node := leafNode(t, `{"resourceType":"Patient","id":"psn-123"}`, "id")
		client := &recordingClient{}
		processor := &DePseudonymizationProcessor{Client: client}

		result, err := processor.Process(node, &anonymizer.ProcessContext{}, anonymizer.Settings{"domain": "Patient"})
		if err != nil {
			t.Fatal(err)
		}
		if got := node.ValueString(); got != "123" {
			t.Fatalf("value = %q, want 123", got)
		}
		if !result.Empty() {
			t.Fatal("reversal must not record operations")
		}
	})

	t.Run("reference", func(t *testing.T) {
		doc := `{"resourceType":"Observation","subject":{"reference":"Patient/psn-123"}}`
		node := leafNode(t, doc, "subject", "reference")
		client := &recordingClient{}
		processor := &DePseudonymizationProcessor{Client: client}

		if _, err := processor.Process(node, &anonymizer.ProcessContext{}, anonymizer.Settings{}); err != nil {
			t.Fatal(err)
		}
		if got := node.ValueString(); got != "Patient/123" {
			t.Fatalf("value = %q, want Patient/123", got)
		}
		if client.lookups["psn-123"] != "Patient" {
			t.Fatalf("resolved in domain %q, want Patient", client.lookups["psn-123"])
		}
	})
}

func TestNoopClientFailsLoudly(t *testing.T) {
	client := NoopClient{}
	if _, err := client.GetOrCreatePseudonymFor(context.Background(), "123", "Patient"); err == nil {
		t.Fatal("want error from the noop client")
	}
	if _, err := client.GetOriginalValueFor(context.Background(), "psn", "Patient"); err == nil {
		t.Fatal("want error from the noop client")
	}
}
