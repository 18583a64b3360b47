// Package network provides the ZeroMQ backend of the overlay.
//
// This package implements:
//   - ZmqNode: ROUTER/DEALER transport carrying topic envelopes
//   - Propagator: seen cache and hop limit for multi-hop relay
//   - BeaconDiscovery: UDP multicast presence beacons with expiry
//   - Service: orchestration of the three
package network
