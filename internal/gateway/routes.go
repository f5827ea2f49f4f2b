package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/policy"
)

// Route maps an intent type to the target the policy gate checks and the
// executor the orchestrator hands the plan to. Schema, when set, is a JSON
// Schema the payload must satisfy.
type Route struct {
	IntentType string          `json:"intent_type" yaml:"intent_type"`
	Target     string          `json:"target" yaml:"target"`
	Executor   string          `json:"executor,omitempty" yaml:"executor"`
	Schema     json.RawMessage `json:"schema,omitempty" yaml:"-"`
}

const routerPayloadSchema = `{
  "type": "object",
  "properties": {
    "prompt": {"type": "string"},
    "partial": {"type": "boolean"}
  }
}`

const daughterPayloadSchema = `{
  "type": "object",
  "properties": {
    "ttl_seconds": {"type": "integer", "minimum": 0},
    "task_type": {"type": "string"}
  }
}`

// DefaultRoutes is the built-in route table.
func DefaultRoutes() []Route {
	return []Route{
		{IntentType: "chat", Target: policy.TargetOrchestrator, Executor: policy.TargetRouter, Schema: json.RawMessage(routerPayloadSchema)},
		{IntentType: "code", Target: policy.TargetOrchestrator, Executor: policy.TargetRouter, Schema: json.RawMessage(routerPayloadSchema)},
		{IntentType: "audio", Target: policy.TargetOrchestrator, Executor: policy.TargetRouter, Schema: json.RawMessage(routerPayloadSchema)},
		{IntentType: "analysis", Target: policy.TargetOrchestrator, Executor: policy.TargetRouter, Schema: json.RawMessage(routerPayloadSchema)},
		{IntentType: "task", Target: policy.TargetOrchestrator, Executor: policy.TargetSpawner, Schema: json.RawMessage(daughterPayloadSchema)},
		{IntentType: "spawn", Target: policy.TargetSpawner, Executor: policy.TargetSpawner, Schema: json.RawMessage(daughterPayloadSchema)},
		{IntentType: "stream", Target: policy.TargetRouter, Executor: policy.TargetRouter, Schema: json.RawMessage(routerPayloadSchema)},
	}
}

type compiledRoute struct {
	Route
	schema *jsonschema.Schema
}

// RouteTable is the gateway's intent type lookup. It is safe for concurrent
// use and can be swapped wholesale on config reload.
type RouteTable struct {
	mu     sync.RWMutex
	routes map[string]compiledRoute
}

// NewRouteTable validates and compiles routes.
func NewRouteTable(routes []Route) (*RouteTable, error) {
	compiled, err := compileRoutes(routes)
	if err != nil {
		return nil, err
	}
	return &RouteTable{routes: compiled}, nil
}

// Replace swaps in a new route set. On error the current set stays.
func (t *RouteTable) Replace(routes []Route) error {
	compiled, err := compileRoutes(routes)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.routes = compiled
	t.mu.Unlock()
	return nil
}

// Lookup returns the route for intentType.
func (t *RouteTable) Lookup(intentType string) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[intentType]
	return r.Route, ok
}

// List returns the routes sorted by intent type.
func (t *RouteTable) List() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r.Route)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IntentType < out[j].IntentType })
	return out
}

// Validate checks payload against the schema of intentType's route. A
// route without a schema accepts any JSON value.
func (t *RouteTable) Validate(intentType string, payload json.RawMessage) error {
	t.mu.RLock()
	r, ok := t.routes[intentType]
	t.mu.RUnlock()
	if !ok {
		return apierr.New(apierr.CodeUnknownIntent, "unknown intent type %q", intentType)
	}
	if r.schema == nil {
		return nil
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("null")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return apierr.New(apierr.CodeBadRequest, "payload is not valid JSON: %v", err)
	}
	if err := r.schema.Validate(inst); err != nil {
		return apierr.New(apierr.CodeBadRequest, "payload does not match the %s schema", intentType).
			WithDetail("validation", err.Error())
	}
	return nil
}

func compileRoutes(routes []Route) (map[string]compiledRoute, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("route table is empty")
	}
	out := make(map[string]compiledRoute, len(routes))
	for _, r := range routes {
		if r.IntentType == "" {
			return nil, fmt.Errorf("route without intent_type")
		}
		if _, dup := out[r.IntentType]; dup {
			return nil, fmt.Errorf("duplicate route for %q", r.IntentType)
		}
		if !slices.Contains(policy.KnownTargets, r.Target) {
			return nil, fmt.Errorf("route %q: unknown target %q", r.IntentType, r.Target)
		}
		if r.Executor == "" {
			r.Executor = r.Target
		}
		switch r.Executor {
		case policy.TargetOrchestrator, policy.TargetRouter, policy.TargetSpawner:
		default:
			return nil, fmt.Errorf("route %q: unknown executor %q", r.IntentType, r.Executor)
		}
		cr := compiledRoute{Route: r}
		if len(r.Schema) > 0 {
			sch, err := compileSchema(r.IntentType, r.Schema)
			if err != nil {
				return nil, err
			}
			cr.schema = sch
		}
		out[r.IntentType] = cr
	}
	return out, nil
}

func compileSchema(intentType string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("route %q: unmarshal schema: %w", intentType, err)
	}
	name := intentType + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("route %q: add schema resource: %w", intentType, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("route %q: compile schema: %w", intentType, err)
	}
	return sch, nil
}
