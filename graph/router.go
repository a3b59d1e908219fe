package graph

import (
	"fmt"
	"strings"
)

// Route maps a keyword found in the hint field to a step name.
type Route struct {
	Keyword string
	Step    string
}

// Router resolves the next step for a directive.
//
// Resolution is two-tier:
//   - An explicit Continue directive always wins.
//   - Otherwise the hint field of the merged state is matched against the
//     route table. The first route (in declaration order) whose keyword is a
//     case-insensitive substring of the hint wins. No match selects Default.
//
// A Router is immutable after construction, so Resolve is deterministic and
// safe for concurrent use.
type Router struct {
	hintField   string
	routes      []Route
	defaultStep string
}

// NewRouter validates and builds a Router.
//
// Example:
//
//	r, err := graph.NewRouter("next_node", "respond",
//	    graph.Route{Keyword: "analyze", Step: "analyze_request"},
//	    graph.Route{Keyword: "planner", Step: "planner"},
//	)
func NewRouter(hintField, defaultStep string, routes ...Route) (*Router, error) {
	if hintField == "" {
		return nil, &EngineError{Code: "INVALID_ROUTER", Message: "hint field cannot be empty"}
	}
	if defaultStep == "" {
		return nil, &EngineError{Code: "INVALID_ROUTER", Message: "default step cannot be empty"}
	}
	table := make([]Route, 0, len(routes))
	for i, r := range routes {
		if r.Keyword == "" || r.Step == "" {
			return nil, &EngineError{Code: "INVALID_ROUTER", Message: fmt.Sprintf("route %d has empty keyword or step", i)}
		}
		table = append(table, Route{Keyword: strings.ToLower(r.Keyword), Step: r.Step})
	}
	return &Router{hintField: hintField, routes: table, defaultStep: defaultStep}, nil
}

// Resolve returns the step that follows d given state.
func (r *Router) Resolve(d Directive, state State) string {
	if d.Kind == KindContinue && d.Step != "" {
		return d.Step
	}
	return r.Match(state.String(r.hintField))
}

// Match returns the step for a free-text hint.
func (r *Router) Match(hint string) string {
	hint = strings.ToLower(hint)
	for _, route := range r.routes {
		if strings.Contains(hint, route.Keyword) {
			return route.Step
		}
	}
	return r.defaultStep
}

// HintField returns the state field the router reads.
func (r *Router) HintField() string { return r.hintField }

// Steps returns every step the router can produce, default last.
func (r *Router) Steps() []string {
	out := make([]string, 0, len(r.routes)+1)
	for _, route := range r.routes {
		out = append(out, route.Step)
	}
	return append(out, r.defaultStep)
}
