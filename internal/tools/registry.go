package tools

import (
	"context"
	"encoding/json"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// Registry is the only tool surface the agent loop sees. It enforces
// per-check quotas before dispatch and drops a tool from the advertised set
// once its remaining quota reaches zero.
type Registry struct {
	mu     sync.Mutex
	tools  map[string]Tool
	order  []string
	quotas map[string]int    // absent key means unlimited
	shared map[string]string // alias name -> canonical quota key
}

// NewRegistry creates a registry. quotas maps tool name to its per-check call
// budget; tools without an entry are unlimited.
func NewRegistry(quotas map[string]int) *Registry {
	q := make(map[string]int, len(quotas))
	for name, n := range quotas {
		q[name] = n
	}
	return &Registry{
		tools:  make(map[string]Tool),
		quotas: q,
		shared: make(map[string]string),
	}
}

// ShareQuota makes alias draw from canonical's quota counter, so calling a
// tool under either name spends the same budget.
func (r *Registry) ShareQuota(alias, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shared[alias] = canonical
}

// quotaKeyLocked resolves the counter a tool name charges against.
func (r *Registry) quotaKeyLocked(name string) string {
	if canonical, ok := r.shared[name]; ok {
		return canonical
	}
	return name
}

// Register adds a tool. Registration order is preserved in the advertised set.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Remaining returns the remaining quota for a tool; ok is false when the
// tool is unlimited.
func (r *Registry) Remaining(name string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.quotas[r.quotaKeyLocked(name)]
	return n, ok
}

// Advertised returns the function schemas of all tools with remaining quota.
func (r *Registry) Advertised() []openai.Tool {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]openai.Tool, 0, len(r.order))
	for _, name := range r.order {
		if n, limited := r.quotas[r.quotaKeyLocked(name)]; limited && n <= 0 {
			continue
		}
		out = append(out, r.tools[name].Definition())
	}
	return out
}

// Dispatch executes the named tool, consuming quota first. Unknown tools and
// exhausted quotas return failure envelopes so the model can adjust course.
func (r *Registry) Dispatch(ctx context.Context, tc *Context, name string, args json.RawMessage) Result {
	r.mu.Lock()
	t, ok := r.tools[name]
	if !ok {
		r.mu.Unlock()
		return Fail("unknown tool: "+name, "INVALID_INPUT")
	}
	key := r.quotaKeyLocked(name)
	if n, limited := r.quotas[key]; limited {
		if n <= 0 {
			r.mu.Unlock()
			return Fail("quota exhausted for "+name, "QUOTA_EXHAUSTED")
		}
		r.quotas[key] = n - 1
	}
	r.mu.Unlock()

	return t.Execute(ctx, tc, args)
}
