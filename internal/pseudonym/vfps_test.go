package pseudonym

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVfpsClientCreate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/pseudonyms" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var request vfpsCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if request.Namespace != "Patient" || request.OriginalValue != "123" {
			t.Errorf("request = %+v", request)
		}
		json.NewEncoder(w).Encode(vfpsResponse{Pseudonym: vfpsPseudonym{
			Namespace:      request.Namespace,
			OriginalValue:  request.OriginalValue,
			PseudonymValue: "psn-123",
		}})
	}))
	defer server.Close()

	client, err := NewVfpsClient(VfpsConfig{Address: server.URL})
	if err != nil {
		t.Fatal(err)
	}

	got, err := client.GetOrCreatePseudonymFor(context.Background(), "123", "Patient")
	if err != nil {
		t.Fatalf("GetOrCreatePseudonymFor: %v", err)
	}
	if got != "psn-123" {
		t.Fatalf("got %q, want psn-123", got)
	}
}

func TestVfpsClientReverseLookup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/namespaces/Patient/pseudonyms/psn-123" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(vfpsResponse{Pseudonym: vfpsPseudonym{
			Namespace:      "Patient",
			OriginalValue:  "123",
			PseudonymValue: "psn-123",
		}})
	}))
	defer server.Close()

	client, err := NewVfpsClient(VfpsConfig{Address: server.URL})
	if err != nil {
		t.Fatal(err)
	}

	got, err := client.GetOriginalValueFor(context.Background(), "psn-123", "Patient")
	if err != nil {
		t.Fatalf("GetOriginalValueFor: %v", err)
	}
	if got != "123" {
		t.Fatalf("got %q, want 123", got)
	}
}

func TestVfpsClientReverseLookupDegradesToPseudonym(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client, err := NewVfpsClient(VfpsConfig{Address: server.URL})
	if err != nil {
		t.Fatal(err)
	}

	got, err := client.GetOriginalValueFor(context.Background(), "unknown", "Patient")
	if err != nil {
		t.Fatalf("GetOriginalValueFor: %v", err)
	}
	if got != "unknown" {
		t.Fatalf("got %q, want the pseudonym back", got)
	}
}
