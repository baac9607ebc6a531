// Package collab declares the interfaces to every component spec.md
// §1 treats as an external collaborator: the topology/partition
// loader, and the process-spawn shell commands that start, stop,
// restart, and dump routes from emulated router processes. Per
// SPEC_FULL.md supplement #3 (grounded on original_source's
// node_ops.cpp), the single "bring online/offline" verb the distilled
// spec gestures at is really three distinct operations keyed by node
// id and image type.
package collab

import "github.com/ripc-net/controller/internal/topo"

// Image selects which shell commands RouterOps uses, per spec.md §6's
// CLI: `controller <image> ...` with image in {frr, bird, crpd}.
type Image string

const (
	ImageFRR  Image = "frr"
	ImageBIRD Image = "bird"
	ImageCRPD Image = "crpd"
)

func (i Image) Valid() bool {
	switch i {
	case ImageFRR, ImageBIRD, ImageCRPD:
		return true
	default:
		return false
	}
}

// RouterOps is the process-spawn shell-command collaborator: out of
// core scope (spec.md §1), specified here only through its interface.
type RouterOps interface {
	// Start brings a freshly-entering-a-partition node's router process
	// up for the first time (round 0).
	Start(node topo.NodeID) error
	// Restart brings a node's router process back up after a prior
	// TEARDOWN (round >= 1).
	Restart(node topo.NodeID) error
	// Stop tears a node's router process down (TEARDOWN, per-node).
	Stop(node topo.NodeID) error
	// DumpRoutes asks the router process for its current route table,
	// used for the per-tag BGP summary/route dumps named in spec.md §6.
	DumpRoutes(node topo.NodeID, tag string) ([]byte, error)
}

// TopologyLoader is the external topology/partition loader (spec.md
// §1, §6): it reads blueprint.json, partition.json, and hosts.json and
// produces the static structures internal/topo.View is built from.
type TopologyLoader interface {
	LoadBlueprint(path string) (neighbors map[topo.NodeID][]topo.NodeID, err error)
	LoadPartitions(path string) (partitions [][]topo.NodeID, cut []topo.NodeID, err error)
	LoadHosts(path string) (selfHost topo.HostID, peerAddrs map[topo.HostID]string, err error)
}
