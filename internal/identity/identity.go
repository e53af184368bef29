// Package identity resolves an agent id to a richer identity record by
// fetching its A2A agent card, supplementing the bare agent_id string
// CreateSession otherwise records. It is optional: callers that don't
// configure an agent-card URL get a nil Card and no error.
package identity

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
)

// Resolver fetches and caches agent cards by base URL, using the A2A
// .well-known/agent-card.json convention for per-agent identity lookup.
type Resolver struct {
	client *http.Client
	cache  map[string]*a2a.AgentCard
}

// NewResolver creates an identity resolver with a short HTTP timeout;
// identity lookups happen on the CreateSession hot path and must never
// stall session creation for long.
func NewResolver() *Resolver {
	return &Resolver{
		client: &http.Client{Timeout: 3 * time.Second},
		cache:  make(map[string]*a2a.AgentCard),
	}
}

// Resolve fetches the agent card at baseURL's well-known path. Failures
// are logged and return nil rather than an error — identity
// enrichment is best-effort and must never fail CreateSession.
func (r *Resolver) Resolve(agentID, baseURL string) *a2a.AgentCard {
	if baseURL == "" {
		return nil
	}
	if card, ok := r.cache[baseURL]; ok {
		return card
	}

	cardURL := strings.TrimSuffix(baseURL, "/") + "/.well-known/agent-card.json"
	resp, err := r.client.Get(cardURL)
	if err != nil {
		slog.Warn("identity: failed to fetch agent card", "agent_id", agentID, "url", cardURL, "err", err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Warn("identity: failed to read agent card body", "agent_id", agentID, "url", cardURL, "err", err)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		slog.Warn("identity: non-200 status fetching agent card", "agent_id", agentID, "url", cardURL, "status", resp.StatusCode)
		return nil
	}

	var card a2a.AgentCard
	if err := json.Unmarshal(body, &card); err != nil {
		slog.Warn("identity: failed to parse agent card", "agent_id", agentID, "url", cardURL, "err", err)
		return nil
	}

	r.cache[baseURL] = &card
	return &card
}

// Summary is the JSON-serializable shape folded into a session.started
// payload when a card was resolved.
type Summary struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// SummaryOf converts a resolved agent card into its payload projection,
// or nil if no card was resolved.
func SummaryOf(card *a2a.AgentCard) *Summary {
	if card == nil {
		return nil
	}
	return &Summary{Name: card.Name, URL: card.URL}
}

// String renders a Summary for log lines; used when a card is present
// but a caller only wants a one-line description.
func (s *Summary) String() string {
	if s == nil {
		return "unresolved"
	}
	return fmt.Sprintf("%s <%s>", s.Name, s.URL)
}
