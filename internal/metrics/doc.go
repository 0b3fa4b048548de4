// Package metrics holds the Prometheus collectors exported by the agent.
package metrics
