// Package client is the caller-side SDK for the task protocol: it sends,
// polls, cancels, and streams tasks on a remote agent over a mutually
// authenticated channel pinned to that agent's workload identity.
package client
