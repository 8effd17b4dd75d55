package semaphore

import (
	"context"
	"sync"
)

// AcquireAll acquires key on every supplied registry and returns a releaser
// that frees all of them. All acquisitions start concurrently; if any one
// fails (typically by cancellation), every acquisition that completed in
// the same call is released before the error surfaces, and an acquisition
// that completes after the failure releases itself immediately. The
// returned releaser must be called exactly once.
func AcquireAll(ctx context.Context, registries []*Registry, key string) (func(), error) {
	if len(registries) == 0 {
		return func() {}, nil
	}

	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		firstErr error
		acquired = make([]bool, len(registries))
	)

	var wg sync.WaitGroup
	for i, reg := range registries {
		wg.Add(1)
		go func(i int, reg *Registry) {
			defer wg.Done()
			err := reg.Acquire(acquireCtx, key)

			mu.Lock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
				return
			}
			if firstErr != nil {
				// The call already failed; this late completion must
				// not strand its slot.
				mu.Unlock()
				reg.Release(key)
				return
			}
			acquired[i] = true
			mu.Unlock()
		}(i, reg)
	}
	wg.Wait()

	if firstErr != nil {
		for i, reg := range registries {
			if acquired[i] {
				reg.Release(key)
			}
		}
		return nil, firstErr
	}

	release := func() {
		for _, reg := range registries {
			reg.Release(key)
		}
	}
	return release, nil
}
