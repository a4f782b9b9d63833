package participant

import (
	"context"
	"encoding/json"

	"github.com/becknworks/beckn-mesh/internal/beckn"
)

// Responder computes the business reply for a forward action. The adapter
// calls it off the request path and wraps the result in a signed on_*
// callback. Deployments plug their catalog and order systems in here.
type Responder interface {
	Respond(ctx context.Context, action string, env *beckn.Envelope) (json.RawMessage, error)
}

// StubResponder answers every action with a minimal well-formed payload: a
// one-provider catalog for search, the request's order echoed back for
// everything else. A fresh deployment completes protocol round trips with
// it before any backend is wired in.
type StubResponder struct {
	ProviderName string
}

func (s StubResponder) Respond(_ context.Context, action string, env *beckn.Envelope) (json.RawMessage, error) {
	if action == "search" {
		name := s.ProviderName
		if name == "" {
			name = "Stub Provider"
		}
		return json.Marshal(map[string]any{
			"catalog": map[string]any{
				"descriptor": map[string]any{"name": name},
				"providers": []any{
					map[string]any{
						"id":         "stub-provider-1",
						"descriptor": map[string]any{"name": name},
						"items":      []any{},
					},
				},
			},
		})
	}

	var msg struct {
		Order json.RawMessage `json:"order"`
	}
	if err := json.Unmarshal(env.Message, &msg); err == nil && len(msg.Order) > 0 {
		return json.Marshal(map[string]json.RawMessage{"order": msg.Order})
	}
	return json.Marshal(map[string]any{"order": map[string]any{}})
}
