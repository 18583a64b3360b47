// Package node runs the node's control loop.
// This package implements:
// - Loop, a single goroutine multiplexing discovery events, topic messages,
//   console lines and queued replies
// - Console command handling (exit, size, peers, others, destinations)
// - ReadLines, the console line source
package node
