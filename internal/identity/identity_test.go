package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveFetchesAgentCard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/agent-card.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"test-agent","url":"` + r.Host + `"}`))
	}))
	defer srv.Close()

	r := NewResolver()
	card := r.Resolve("agent-1", srv.URL)
	if card == nil {
		t.Fatal("Resolve returned nil, want a card")
	}
	if card.Name != "test-agent" {
		t.Errorf("card.Name = %q, want test-agent", card.Name)
	}

	summary := SummaryOf(card)
	if summary == nil || summary.Name != "test-agent" {
		t.Errorf("SummaryOf = %+v, want name test-agent", summary)
	}
}

func TestResolveMissingURLReturnsNil(t *testing.T) {
	r := NewResolver()
	if card := r.Resolve("agent-1", ""); card != nil {
		t.Errorf("Resolve with empty baseURL = %+v, want nil", card)
	}
}

func TestResolveUnreachableReturnsNilNotError(t *testing.T) {
	r := NewResolver()
	card := r.Resolve("agent-1", "http://127.0.0.1:1")
	if card != nil {
		t.Errorf("Resolve against an unreachable host = %+v, want nil", card)
	}
}
