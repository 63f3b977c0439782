// Package engine is the partition's mutation pipeline.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Every local mutation is handed to one goroutine (Engine.Run), which
// checks it against the primary copy, dispatches it to every replication
// group through the transaction dispatcher and then applies it to the
// primary copy. This ensures:
// - One appender per backlog, so keys within a group follow submission order
// - Transaction data precedes its boundary in every group
// - Snapshots taken in the loop match the group's high key exactly
//
// Event Processing Flow:
// 1. Apply (or Enqueue) pushes an event onto a FIFO queue
// 2. Engine.Run() dequeues events one at a time
// 3. processEvent() routes to the mutation or snapshot handler
// 4. The caller's reply channel receives the Outcome
// 5. For synchronous groups Apply waits for every target's acknowledgement
//
// Delivery to targets happens outside the loop (see package delivery);
// the engine is also the delivery workers' Resyncer.
package engine
