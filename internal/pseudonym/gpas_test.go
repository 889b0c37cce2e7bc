package pseudonym

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newGPasTestClient(t *testing.T, version string, handler http.Handler) (*GPasClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewGPasClient(GPasConfig{BaseURL: server.URL, Version: version})
	if err != nil {
		t.Fatalf("NewGPasClient: %v", err)
	}
	return client, server
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.10.1", "1.10.2", -1},
		{"1.10.2", "1.10.2", 0},
		{"1.10.3", "1.10.2", 1},
		{"2.0", "1.10.2", 1},
		{"1.10", "1.10.0", 0},
		{"1.9.9", "1.10.2", -1},
		{"1.10.2-rc1", "1.10.2", 0},
		{"1.10.2-SNAPSHOT", "1.10.1", 1},
		{"1.10.x", "1.10.0", 0},
	}
	for _, tc := range cases {
		if got := compareVersions(tc.a, tc.b); got != tc.want {
			t.Errorf("compareVersions(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestGPasProtocolSelection(t *testing.T) {
	cases := []struct {
		version string
		want    gpasProtocol
	}{
		{"1.9.1", gpasProtocolV1},
		{"1.10.1", gpasProtocolV1},
		{"1.10.2", gpasProtocolV2},
		{"1.10.2-rc1", gpasProtocolV2},
		{"1.10.3", gpasProtocolV2x},
		{"1.13.1", gpasProtocolV2x},
		{"", gpasProtocolV2x},
	}
	for _, tc := range cases {
		got, err := gpasProtocolForVersion(tc.version)
		if err != nil {
			t.Fatalf("gpasProtocolForVersion(%q): %v", tc.version, err)
		}
		if got != tc.want {
			t.Errorf("gpasProtocolForVersion(%q) = %d, want %d", tc.version, got, tc.want)
		}
	}
}

func TestGPasClientV1(t *testing.T) {
	client, _ := newGPasTestClient(t, "1.10.1", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		switch r.URL.Path {
		case "/$pseudonymize-allow-create":
			if got := r.URL.Query().Get("domain"); got != "Patient" {
				t.Errorf("domain = %q, want Patient", got)
			}
			original := r.URL.Query().Get("original")
			json.NewEncoder(w).Encode(gpasParameters{
				ResourceType: "Parameters",
				Parameter:    []gpasParameter{{Name: original, ValueString: "psn-" + original}},
			})
		case "/$de-pseudonymize":
			pseudonym := r.URL.Query().Get("pseudonym")
			json.NewEncoder(w).Encode(gpasParameters{
				ResourceType: "Parameters",
				Parameter:    []gpasParameter{{Name: pseudonym, ValueString: "orig-" + pseudonym}},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	got, err := client.GetOrCreatePseudonymFor(context.Background(), "123", "Patient")
	if err != nil {
		t.Fatalf("GetOrCreatePseudonymFor: %v", err)
	}
	if got != "psn-123" {
		t.Fatalf("got %q, want psn-123", got)
	}

	got, err = client.GetOriginalValueFor(context.Background(), "psn-123", "Patient")
	if err != nil {
		t.Fatalf("GetOriginalValueFor: %v", err)
	}
	if got != "orig-psn-123" {
		t.Fatalf("got %q, want orig-psn-123", got)
	}
}

func TestGPasClientV2(t *testing.T) {
	client, _ := newGPasTestClient(t, "1.10.2", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var request gpasParameters
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		target := request.find("target")
		if target == nil || target.ValueString != "Patient" {
			t.Errorf("target parameter missing or wrong: %+v", target)
		}

		switch r.URL.Path {
		case "/$pseudonymize-allow-create":
			original := request.find("original")
			if original == nil || original.ValueString == "" {
				t.Error("original parameter missing")
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(gpasParameters{
				ResourceType: "Parameters",
				Parameter: []gpasParameter{{
					Name: "pseudonym",
					Part: []gpasParameter{
						{Name: "original", ValueString: original.ValueString},
						{Name: "target", ValueString: "Patient"},
						{Name: "pseudonym", ValueString: "psn-" + original.ValueString},
					},
				}},
			})
		case "/$de-pseudonymize":
			pseudonym := request.find("pseudonym")
			if pseudonym == nil || pseudonym.ValueString == "" {
				t.Error("pseudonym parameter missing")
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(gpasParameters{
				ResourceType: "Parameters",
				Parameter: []gpasParameter{{
					Name: "pseudonym-result-set",
					Part: []gpasParameter{
						{Name: "pseudonym", ValueString: pseudonym.ValueString},
						{Name: "original", ValueString: "orig-" + pseudonym.ValueString},
					},
				}},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	got, err := client.GetOrCreatePseudonymFor(context.Background(), "123", "Patient")
	if err != nil {
		t.Fatalf("GetOrCreatePseudonymFor: %v", err)
	}
	if got != "psn-123" {
		t.Fatalf("got %q, want psn-123", got)
	}

	got, err = client.GetOriginalValueFor(context.Background(), "psn-123", "Patient")
	if err != nil {
		t.Fatalf("GetOriginalValueFor: %v", err)
	}
	if got != "orig-psn-123" {
		t.Fatalf("got %q, want orig-psn-123", got)
	}
}

func TestGPasClientV2x(t *testing.T) {
	client, _ := newGPasTestClient(t, "1.10.3", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request gpasParameters
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decoding request: %v", err)
		}

		switch r.URL.Path {
		case "/$pseudonymizeAllowCreate":
			original := request.find("original")
			if original == nil || original.ValueIdentifier == nil {
				t.Error("original identifier missing")
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(gpasParameters{
				ResourceType: "Parameters",
				Parameter: []gpasParameter{{
					Name: "pseudonym",
					Part: []gpasParameter{{
						Name:            "pseudonym",
						ValueIdentifier: &gpasIdentifier{Value: "psn-" + original.ValueIdentifier.Value},
					}},
				}},
			})
		case "/$dePseudonymize":
			pseudonym := request.find("pseudonym")
			if pseudonym == nil || pseudonym.ValueIdentifier == nil {
				t.Error("pseudonym identifier missing")
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(gpasParameters{
				ResourceType: "Parameters",
				Parameter: []gpasParameter{{
					Name: "pseudonym-result-set",
					Part: []gpasParameter{{
						Name:            "original",
						ValueIdentifier: &gpasIdentifier{Value: "orig-" + pseudonym.ValueIdentifier.Value},
					}},
				}},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	got, err := client.GetOrCreatePseudonymFor(context.Background(), "123", "Patient")
	if err != nil {
		t.Fatalf("GetOrCreatePseudonymFor: %v", err)
	}
	if got != "psn-123" {
		t.Fatalf("got %q, want psn-123", got)
	}

	got, err = client.GetOriginalValueFor(context.Background(), "psn-123", "Patient")
	if err != nil {
		t.Fatalf("GetOriginalValueFor: %v", err)
	}
	if got != "orig-psn-123" {
		t.Fatalf("got %q, want orig-psn-123", got)
	}
}

func TestGPasClientSendsBasicAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "gpas" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		original := r.URL.Query().Get("original")
		json.NewEncoder(w).Encode(gpasParameters{
			ResourceType: "Parameters",
			Parameter:    []gpasParameter{{Name: original, ValueString: "psn"}},
		})
	}))
	defer server.Close()

	client, err := NewGPasClient(GPasConfig{
		BaseURL:  server.URL,
		Version:  "1.10.1",
		Username: "gpas",
		Password: "secret",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.GetOrCreatePseudonymFor(context.Background(), "123", "Patient"); err != nil {
		t.Fatalf("authenticated request failed: %v", err)
	}
}

func TestGPasClientRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		original := r.URL.Query().Get("original")
		json.NewEncoder(w).Encode(gpasParameters{
			ResourceType: "Parameters",
			Parameter:    []gpasParameter{{Name: original, ValueString: "psn-" + original}},
		})
	}))
	defer server.Close()

	client, err := NewGPasClient(GPasConfig{BaseURL: server.URL, Version: "1.10.1", RetryCount: 3})
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
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("server called %d times, want 3", n)
	}
}

func TestGPasClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client, err := NewGPasClient(GPasConfig{BaseURL: server.URL, Version: "1.10.1", RetryCount: 3})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := client.GetOrCreatePseudonymFor(context.Background(), "123", "Patient"); err == nil {
		t.Fatal("want error for 404 response")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("server called %d times, want 1", n)
	}
}

func TestGPasClientReverseLookupDegradesToPseudonym(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := NewGPasClient(GPasConfig{BaseURL: server.URL, Version: "1.10.1"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := client.GetOriginalValueFor(context.Background(), "unknown-psn", "Patient")
	if err != nil {
		t.Fatalf("GetOriginalValueFor: %v", err)
	}
	if got != "unknown-psn" {
		t.Fatalf("got %q, want the pseudonym back", got)
	}
}
