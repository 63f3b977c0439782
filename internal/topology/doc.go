// Package topology describes replication groups: which targets a group
// feeds, how its backlog is laned, which reliability class it runs under
// and how batches are sized and paced.
//
// Topology files are YAML. Every file is checked against an embedded CUE
// schema before it is decoded, so structural mistakes are reported with
// CUE's path-qualified messages and cross-field rules are enforced by
// Validate afterwards.
package topology
