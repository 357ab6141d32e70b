// Package agent is the SDK entry point: it wires identity, authorization,
// transport, tasks, and audit into a single networked agent that serves
// registered capabilities and calls peers over mutually authenticated TLS.
package agent
