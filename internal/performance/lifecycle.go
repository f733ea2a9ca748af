package performance

import (
	"context"
	"net/http"

	"github.com/grocery-inventory/grocery-load/internal/performance/metrics"
)

// LifecycleVUID is the VU id used by setup and teardown.
const LifecycleVUID = 0

// LifecycleResult is the outcome of a setup or teardown stage.
type LifecycleResult struct {
	// Data holds every value extracted during the stage.
	Data map[string]string

	// Requests lists each request in execution order.
	Requests []*RequestResult
}

// Errors returns the results whose request did not complete.
func (r *LifecycleResult) Errors() []*RequestResult {
	var out []*RequestResult
	for _, res := range r.Requests {
		if res.Error != nil {
			out = append(out, res)
		}
	}
	return out
}

// RunLifecycle runs a stage's requests once, in order, on a dedicated VU.
//
// Request failures do not stop the stage; later requests see whatever
// was extracted before them. seed is visible to the stage's requests the
// same way setup data is visible to iterations.
func RunLifecycle(ctx context.Context, s *Scenario, client *http.Client, m *metrics.Engine, seed map[string]string) *LifecycleResult {
	vu := NewVirtualUser(LifecycleVUID, s, client, m)
	for k, v := range seed {
		vu.SetData(k, v)
	}

	result := &LifecycleResult{}
	for _, req := range s.Requests {
		if ctx.Err() != nil {
			break
		}
		result.Requests = append(result.Requests, vu.Execute(ctx, req))
	}
	vu.MarkStopped()

	result.Data = vu.Data()
	return result
}
