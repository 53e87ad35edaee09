// Package meshcore is the facade that wires the mesh overlay's seven core
// components — identity, certstore, descriptor, transport, envelope,
// hashgossip, neighbor — into a single running node.
//
// A single immutable Config, built once at startup, is the only
// configuration surface: every numeric knob scattered across the
// sub-packages is gathered here. Mutating tests construct a new Config
// rather than mutating one in place.
//
// New builds every collaborator in dependency order and returns one facade
// value; Run starts the background goroutines (accept loops, descriptor
// refresh, neighbor/registry sweeps, gossip cycles) under a supervisor
// that restarts a crashed worker instead of letting a panic take down the
// whole node.
package meshcore
