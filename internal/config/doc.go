// Package config loads the orchestrator configuration from environment
// variables using the env package.
//
// Every value has a development default: an in-memory backend, the no-op
// agent executor and the stock dispatch caps (4 agents; P0..P3 capped at
// 4, 3, 2, 1).
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	manager := orchestrator.NewManager(exec, store, sink, metrics, logger, cfg.Orchestrator())
package config
