// Package preflight runs the checks behind `amanrag doctor`: whether the
// configuration, corpus, backends and remote models a retrieval process
// depends on are usable before it starts serving.
//
// Required checks gate startup. Optional ones only warn, because the engine
// degrades instead of failing (a dead embedding provider leaves the lexical
// leg, a dead reranker falls back to fused order).
//
//	checker := preflight.New(preflight.WithOutput(os.Stdout))
//	results := checker.RunAll(ctx, cfg)
//	checker.PrintResults(results)
//	if checker.HasCriticalFailures(results) {
//	    os.Exit(1)
//	}
package preflight
