// Package model defines the persistent entities of a unified virtual network:
// the uvn itself, cells, particles, users, the deployment (P2P link map), and
// the status enums attached to each.
package model

import "fmt"

// InvalidConfig reports malformed input supplied to a mutating registry
// operation.
type InvalidConfig struct {
	Reason string
}

func (e *InvalidConfig) Error() string { return fmt.Sprintf("invalid config: %s", e.Reason) }

// ClashingNetworks reports one or more LAN subnets overlapping an existing
// cell's allowed LANs.
type ClashingNetworks struct {
	// Clashes maps the rejected network (as a string) to the set of
	// existing (cell id, network) pairs it overlaps.
	Clashes map[string][]NetworkClaim
}

type NetworkClaim struct {
	CellID  string
	Network string
}

func (e *ClashingNetworks) Error() string {
	return fmt.Sprintf("clashing networks: %d conflicting entries", len(e.Clashes))
}

// MissingKeyMaterial is raised by a readonly key store when the requested
// pair or peer key does not already exist.
type MissingKeyMaterial struct {
	Prefix string
	Scope  string
}

func (e *MissingKeyMaterial) Error() string {
	return fmt.Sprintf("missing key material: %s:%s", e.Prefix, e.Scope)
}

// StopAgentService aggregates teardown errors encountered while stopping one
// or more agent subservices. Errors wrapped here are logged, not fatal.
type StopAgentService struct {
	Errs []error
}

func (e *StopAgentService) Error() string {
	return fmt.Sprintf("stop agent service: %d error(s)", len(e.Errs))
}

func (e *StopAgentService) Unwrap() []error { return e.Errs }

// AgentReload is the internal control-flow signal that unwinds a running
// agent and restarts its lifecycle against a newly received configuration.
type AgentReload struct {
	NewConfigID string
}

func (e *AgentReload) Error() string {
	return fmt.Sprintf("agent reload requested: config_id=%s", e.NewConfigID)
}

// AgentTimedout reports a bounded operation that exceeded its deadline.
type AgentTimedout struct {
	Op string
}

func (e *AgentTimedout) Error() string { return fmt.Sprintf("agent timed out: %s", e.Op) }
