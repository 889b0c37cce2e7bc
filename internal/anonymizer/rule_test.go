package anonymizer

import (
	"errors"
	"testing"
)

func TestCompileRules(t *testing.T) {
	t.Run("valid rule", func(t *testing.T) {
		rules, err := CompileRules([]map[string]interface{}{
			{"path": "Patient.name", "method": "Redact"},
		})
		if err != nil {
			t.Fatalf("CompileRules: %v", err)
		}
		rule := rules[0]
		if rule.Method != MethodRedact {
			t.Errorf("method = %q, want lowercased redact", rule.Method)
		}
		if rule.ResourceType != "Patient" {
			t.Errorf("resource type = %q, want Patient", rule.ResourceType)
		}
		if rule.Expression == nil {
			t.Error("expression not compiled")
		}
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := CompileRules([]map[string]interface{}{{"method": "redact"}})
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("err = %v, want ConfigError", err)
		}
	})

	t.Run("missing method", func(t *testing.T) {
		if _, err := CompileRules([]map[string]interface{}{{"path": "Patient.name"}}); err == nil {
			t.Fatal("want error")
		}
	})

	t.Run("invalid path", func(t *testing.T) {
		if _, err := CompileRules([]map[string]interface{}{{"path": "Patient..name", "method": "redact"}}); err == nil {
			t.Fatal("want error")
		}
	})

	t.Run("substitute requires replaceWith", func(t *testing.T) {
		if _, err := CompileRules([]map[string]interface{}{{"path": "Patient.name", "method": "substitute"}}); err == nil {
			t.Fatal("want error")
		}
		rules, err := CompileRules([]map[string]interface{}{
			{"path": "Patient.name", "method": "substitute", "replaceWith": "X"},
		})
		if err != nil {
			t.Fatal(err)
		}
		if rules[0].ReplaceWith != "X" {
			t.Fatalf("replaceWith = %q", rules[0].ReplaceWith)
		}
	})

	t.Run("generalize requires cases", func(t *testing.T) {
		if _, err := CompileRules([]map[string]interface{}{{"path": "Patient.name", "method": "generalize"}}); err == nil {
			t.Fatal("want error")
		}
		if _, err := CompileRules([]map[string]interface{}{
			{"path": "Patient.name", "method": "generalize", "cases": "{}"},
		}); err == nil {
			t.Fatal("want error for empty cases")
		}
	})

	t.Run("generalize rejects malformed predicates", func(t *testing.T) {
		_, err := CompileRules([]map[string]interface{}{
			{"path": "Patient.name", "method": "generalize", "cases": `{"value ===": "1"}`},
		})
		if err == nil {
			t.Fatal("want error for malformed predicate")
		}
	})

	t.Run("generalize accepts single equals predicates", func(t *testing.T) {
		rules, err := CompileRules([]map[string]interface{}{
			{
				"path":   "Patient.address.city",
				"method": "generalize",
				"cases":  `{"value = 'Boston'": "'Massachusetts'"}`,
			},
		})
		if err != nil {
			t.Fatalf("single = equality rejected: %v", err)
		}
		if got := rules[0].Cases[0].PredicateSource; got != "value = 'Boston'" {
			t.Errorf("predicate source = %q, want original text", got)
		}
	})

	t.Run("generalize preserves case order", func(t *testing.T) {
		rules, err := CompileRules([]map[string]interface{}{
			{
				"path":   "Patient.multipleBirthInteger",
				"method": "generalize",
				"cases":  `{"value < 10": "'a'", "value < 20": "'b'", "value < 30": "'c'"}`,
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"value < 10", "value < 20", "value < 30"}
		cases := rules[0].Cases
		if len(cases) != len(want) {
			t.Fatalf("got %d cases, want %d", len(cases), len(want))
		}
		for i := range want {
			if cases[i].PredicateSource != want[i] {
				t.Fatalf("case %d predicate = %q, want %q", i, cases[i].PredicateSource, want[i])
			}
		}
	})

	t.Run("extra keys become settings", func(t *testing.T) {
		rules, err := CompileRules([]map[string]interface{}{
			{"path": "Patient.id", "method": "cryptohash", "truncateToMaxLength": 32},
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := rules[0].Settings["truncateToMaxLength"]; !ok {
			t.Fatal("setting lost")
		}
		if _, ok := rules[0].Settings["path"]; ok {
			t.Fatal("path leaked into settings")
		}
	})
}

func TestNormalizeCaseExpression(t *testing.T) {
	cases := [][2]string{
		{"value = 'Boston'", "value == 'Boston'"},
		{"value == 'Boston'", "value == 'Boston'"},
		{"value != 'x'", "value != 'x'"},
		{"value <= 5", "value <= 5"},
		{"value >= 5", "value >= 5"},
		{"value = 'a=b'", "value == 'a=b'"},
		{`value = "x" or value=5`, `value == "x" or value==5`},
		{"value < 10", "value < 10"},
	}
	for _, tc := range cases {
		if got := normalizeCaseExpression(tc[0]); got != tc[1] {
			t.Errorf("normalizeCaseExpression(%q) = %q, want %q", tc[0], got, tc[1])
		}
	}
}

func TestRuleScoping(t *testing.T) {
	rules, err := CompileRules([]map[string]interface{}{
		{"path": "Patient.name", "method": "redact"},
		{"path": "Observation.value", "method": "redact"},
		{"path": "Resource.meta", "method": "keep"},
		{"path": "address.city", "method": "redact"},
	})
	if err != nil {
		t.Fatal(err)
	}

	forPatient := rules.RulesForResource("Patient")
	if len(forPatient) != 3 {
		t.Fatalf("got %d rules for Patient, want 3", len(forPatient))
	}
	if forPatient[0].Path != "Patient.name" {
		t.Fatalf("declared order not preserved: %q first", forPatient[0].Path)
	}

	forMedication := rules.RulesForResource("Medication")
	if len(forMedication) != 2 {
		t.Fatalf("got %d rules for Medication, want the 2 unscoped ones", len(forMedication))
	}
}

func TestBareTypePaths(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"Patient", true},
		{"Device", true},
		{"Patient.name", false},
		{"Patient.name.where(use = 'official')", false},
		{"address", false},
		{"Patient | Device", false},
	}
	for _, tc := range cases {
		if got := isBareTypePath(tc.path); got != tc.want {
			t.Errorf("isBareTypePath(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestParseConfig(t *testing.T) {
	doc := []byte(`
fhirVersion: R4
fhirPathRules:
  - path: Patient.name
    method: redact
  - path: Patient.id
    method: cryptoHash
parameters:
  dateShiftKey: shift
  cryptoHashKey: hash
  enablePartialDatesForRedact: true
`)

	cfg, err := ParseConfig(doc)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if len(cfg.FhirPathRules) != 2 {
		t.Fatalf("got %d rules", len(cfg.FhirPathRules))
	}
	if cfg.Parameters.DateShiftKey != "shift" {
		t.Errorf("dateShiftKey = %q", cfg.Parameters.DateShiftKey)
	}
	if !cfg.Parameters.EnablePartialDatesForRedact {
		t.Error("enablePartialDatesForRedact not read")
	}
	if cfg.Parameters.EncryptKey == "" {
		t.Error("missing encrypt key not generated")
	}

	t.Run("no rules fails", func(t *testing.T) {
		if _, err := ParseConfig([]byte("fhirVersion: R4\n")); err == nil {
			t.Fatal("want error")
		}
	})

	t.Run("malformed yaml fails", func(t *testing.T) {
		if _, err := ParseConfig([]byte("fhirPathRules: [\n")); err == nil {
			t.Fatal("want error")
		}
	})
}
