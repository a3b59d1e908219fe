package model

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dshills/swegraph/graph"
)

// Pricing is the price of a model in USD per million tokens.
type Pricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// DefaultPricing covers the models the CLI selects by default. Unknown
// models are recorded at zero cost.
var DefaultPricing = map[string]Pricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-haiku-20241022":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// Call is one recorded generation request.
type Call struct {
	SessionID    string    `json:"session_id"`
	Step         string    `json:"step"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Timestamp    time.Time `json:"timestamp"`
}

// CostTracker accumulates token usage and cost of generation calls,
// attributed to the session and step that made them.
//
// Usage:
//
//	tracker := model.NewCostTracker()
//	m := model.Metered(openai.NewChatModel(key, "gpt-4o"), tracker)
//	// ... run sessions ...
//	fmt.Println(tracker.SessionCost(sessionID))
//
// Thread-safe.
type CostTracker struct {
	mu      sync.RWMutex
	pricing map[string]Pricing
	calls   []Call
	now     func() time.Time
}

// NewCostTracker creates a tracker using DefaultPricing.
func NewCostTracker() *CostTracker {
	pricing := make(map[string]Pricing, len(DefaultPricing))
	for k, v := range DefaultPricing {
		pricing[k] = v
	}
	return &CostTracker{pricing: pricing, now: time.Now}
}

// SetPricing overrides the price of one model.
func (ct *CostTracker) SetPricing(model string, p Pricing) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.pricing[model] = p
}

// Record adds one call and returns it with its computed cost.
func (ct *CostTracker) Record(sessionID, step, model string, usage Usage) Call {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	p := ct.pricing[model]
	call := Call{
		SessionID:    sessionID,
		Step:         step,
		Model:        model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD: float64(usage.InputTokens)/1_000_000*p.InputPer1M +
			float64(usage.OutputTokens)/1_000_000*p.OutputPer1M,
		Timestamp: ct.now().UTC(),
	}
	ct.calls = append(ct.calls, call)
	return call
}

// Calls returns recorded calls for sessionID, or all calls when empty.
func (ct *CostTracker) Calls(sessionID string) []Call {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := []Call{}
	for _, c := range ct.calls {
		if sessionID == "" || c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out
}

// TotalCost returns the cost of every recorded call.
func (ct *CostTracker) TotalCost() float64 {
	return ct.SessionCost("")
}

// SessionCost returns the cost attributed to sessionID (all when empty).
func (ct *CostTracker) SessionCost(sessionID string) float64 {
	var total float64
	for _, c := range ct.Calls(sessionID) {
		total += c.CostUSD
	}
	return total
}

// CostByModel returns per-model totals.
func (ct *CostTracker) CostByModel() map[string]float64 {
	out := map[string]float64{}
	for _, c := range ct.Calls("") {
		out[c.Model] += c.CostUSD
	}
	return out
}

// TokenUsage returns summed token counts for sessionID (all when empty).
func (ct *CostTracker) TokenUsage(sessionID string) Usage {
	var u Usage
	for _, c := range ct.Calls(sessionID) {
		u.InputTokens += c.InputTokens
		u.OutputTokens += c.OutputTokens
	}
	return u
}

// Reset drops all recorded calls. Pricing is kept.
func (ct *CostTracker) Reset() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.calls = nil
}

// String summarises the tracker.
func (ct *CostTracker) String() string {
	byModel := ct.CostByModel()
	models := make([]string, 0, len(byModel))
	for m := range byModel {
		models = append(models, m)
	}
	sort.Strings(models)
	u := ct.TokenUsage("")
	return fmt.Sprintf("calls=%d input_tokens=%d output_tokens=%d cost=$%.4f models=%v",
		len(ct.Calls("")), u.InputTokens, u.OutputTokens, ct.TotalCost(), models)
}

type metered struct {
	next    ChatModel
	tracker *CostTracker
}

// Metered wraps m so that every successful call is recorded in tracker,
// attributed to the session and step found in ctx.
func Metered(m ChatModel, tracker *CostTracker) ChatModel {
	if tracker == nil {
		return m
	}
	return &metered{next: m, tracker: tracker}
}

func (m *metered) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	out, err := m.next.Chat(ctx, messages)
	if err != nil {
		return out, err
	}
	info, _ := graph.StepInfoFrom(ctx)
	call := m.tracker.Record(info.SessionID, info.Step, out.Model, out.Usage)
	graph.Report(ctx, fmt.Sprintf("%s used %d+%d tokens ($%.4f)", call.Model, call.InputTokens, call.OutputTokens, call.CostUSD))
	return out, nil
}
