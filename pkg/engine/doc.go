// Package engine implements staged pipeline execution for agent requests.
//
// Architecture:
//
// executor.go         - Core stage execution engine (Executor, fail-fast error routing)
// registry.go         - Plugin type registry and stage assignment
// builder.go          - Workflow construction and validation from configuration
// analyzer.go         - Static and per-request skip analysis
// plugins_builtin.go  - Built-in plugin types (echo, parse, prompt, policy, memory, finalize)
// reload.go           - Hot-reload manager (structural rebuild vs value patch)
// http_handler.go     - HTTP integration layer (AgentHandler, ServeHTTP)
// simulator.go        - Workflow dry runs for validation and skip prediction
// history.go          - Sliding-window latency samples backing skip savings estimates
//
// The engine routes each request through the fixed stage sequence INPUT,
// PARSE, THINK, DO, REVIEW, OUTPUT, with a non-sequenced ERROR stage that
// shapes the response when a plugin fails. Stages hold ordered plugin
// instances built from declarative configuration; skip predicates let a
// workflow bypass stages and plugins per request.
package engine
