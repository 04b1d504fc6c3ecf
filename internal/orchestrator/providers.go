package orchestrator

import (
	"fmt"

	"github.com/duoforge/duoagent/internal/provider"
)

// workerClientFor resolves (constructing or reusing) the provider client
// for the worker's next call: the instructor may steer the worker to a
// different model on each call, and clients are built lazily and cached.
//
// Provider instances bind their model at construction
// (provider.Factory.Create(model, opts)), so the cache key is
// "<tag>:<model>" rather than just "<tag>": one live entry per (tag, model)
// pair actually used, and repeated worker calls against the same
// combination reuse the same client instead of rebuilding an HTTP client
// each time.
func (o *Orchestrator) workerClientFor(modelName string) (provider.Provider, error) {
	resolved := provider.ResolveModel(modelName)
	tag := provider.DetectProvider(modelName)

	if o.debug {
		return o.debugWorkerClient(), nil
	}

	key := string(tag) + ":" + resolved

	o.workerCacheMu.Lock()
	defer o.workerCacheMu.Unlock()

	if c, ok := o.workerCache[key]; ok {
		return c, nil
	}

	client, err := o.registry.Create(string(tag), resolved, provider.Options{})
	if err != nil {
		return nil, fmt.Errorf("build worker provider client for %q (tag %s): %w", resolved, tag, err)
	}
	o.workerCache[key] = client
	return client, nil
}

// debugWorkerClient returns a single cached mock client for --debug runs,
// keyed under a fixed name so every Worker turn in a debug session draws
// from the same seeded response pool.
func (o *Orchestrator) debugWorkerClient() provider.Provider {
	const key = "debug:worker"
	o.workerCacheMu.Lock()
	defer o.workerCacheMu.Unlock()
	if c, ok := o.workerCache[key]; ok {
		return c
	}
	c := provider.NewMock("worker-mock", provider.MockWorker)
	o.workerCache[key] = c
	return c
}
