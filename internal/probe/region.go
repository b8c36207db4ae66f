package probe

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/worldland/worldland-probe/internal/domain"
)

// Region brackets every blocking child-process call made by the Facade.
// Enter is called before the work starts; the returned release func must be
// called exactly once when it ends, whatever the outcome.
//
// Embedders that host the facade inside another runtime use this to give up
// their exclusive execution lock for the duration of the call.
type Region interface {
	Enter(ctx context.Context) (release func(), err error)
}

// NopRegion does nothing
type NopRegion struct{}

func (NopRegion) Enter(context.Context) (func(), error) {
	return func() {}, nil
}

// SemaphoreRegion caps how many child processes run at once
type SemaphoreRegion struct {
	sem *semaphore.Weighted
}

// NewSemaphoreRegion allows at most n concurrent blocking calls (n < 1 means 1)
func NewSemaphoreRegion(n int64) *SemaphoreRegion {
	if n < 1 {
		n = 1
	}
	return &SemaphoreRegion{sem: semaphore.NewWeighted(n)}
}

func (r *SemaphoreRegion) Enter(ctx context.Context) (func(), error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { r.sem.Release(1) }, nil
}

// RegionRunner runs every command inside a Region, for callers that spawn
// children outside the Facade (preflight checks)
type RegionRunner struct {
	runner domain.CommandRunner
	region Region
}

// NewRegionRunner wraps r. A nil region behaves like NopRegion.
func NewRegionRunner(r domain.CommandRunner, region Region) *RegionRunner {
	if region == nil {
		region = NopRegion{}
	}
	return &RegionRunner{runner: r, region: region}
}

func (r *RegionRunner) Run(ctx context.Context, name string, args ...string) (domain.CommandOutput, error) {
	release, err := r.region.Enter(ctx)
	if err != nil {
		return domain.CommandOutput{}, err
	}
	defer release()
	return r.runner.Run(ctx, name, args...)
}
