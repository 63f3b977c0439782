// Package transport ships sealed batches to targets.
//
// An Envelope carries one batch: its lane slices, the sender's lane count
// and a digest over every packet. The target answers with an Ack holding
// the last key it applied in each lane. Loopback delivers in process;
// Client and NewHandler carry envelopes over HTTP as snappy-compressed
// msgpack.
package transport
