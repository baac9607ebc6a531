package config

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/ripc-net/controller/internal/topo"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// blueprintFile mirrors blueprint.json: a node list and a directed
// neighbor list per node (spec.md §6).
type blueprintFile struct {
	Nodes []topo.NodeID              `json:"nodes"`
	Edges map[string][]topo.NodeID   `json:"edges"`
}

// hostEntry is one element of hosts.json's host array.
type hostEntry struct {
	ID   topo.HostID `json:"id"`
	IP   string      `json:"ip"`
	Port int         `json:"port"`
}

// hostsFile mirrors hosts.json (spec.md §6).
type hostsFile struct {
	SelfID topo.HostID `json:"self_id"`
	Hosts  []hostEntry `json:"hosts"`
}

// Loader is the JSON-backed collab.TopologyLoader implementation,
// decoding with json-iterator (the teacher's own JSON library, see
// SPEC_FULL.md's domain-stack table).
type Loader struct{}

func (Loader) LoadBlueprint(path string) (map[topo.NodeID][]topo.NodeID, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var bp blueprintFile
	if err := json.Unmarshal(raw, &bp); err != nil {
		return nil, fmt.Errorf("blueprint %s: %w", path, err)
	}
	neighbors := make(map[topo.NodeID][]topo.NodeID, len(bp.Nodes))
	for _, n := range bp.Nodes {
		neighbors[n] = nil
	}
	for k, v := range bp.Edges {
		var node topo.NodeID
		if _, err := fmt.Sscanf(k, "%d", &node); err != nil {
			return nil, fmt.Errorf("blueprint %s: bad node key %q: %w", path, k, err)
		}
		neighbors[node] = v
	}
	return neighbors, nil
}

// LoadPartitions decodes partition.json: an array of partitions, the
// last of which is the cut (spec.md §3, §6).
func (Loader) LoadPartitions(path string) ([][]topo.NodeID, []topo.NodeID, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var parts [][]topo.NodeID
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, nil, fmt.Errorf("partition %s: %w", path, err)
	}
	if len(parts) == 0 {
		return nil, nil, fmt.Errorf("partition %s: empty", path)
	}
	cut := parts[len(parts)-1]
	return parts[:len(parts)-1], cut, nil
}

func (Loader) LoadHosts(path string) (topo.HostID, map[topo.HostID]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	var hf hostsFile
	if err := json.Unmarshal(raw, &hf); err != nil {
		return 0, nil, fmt.Errorf("hosts %s: %w", path, err)
	}
	addrs := make(map[topo.HostID]string, len(hf.Hosts))
	for _, h := range hf.Hosts {
		addrs[h.ID] = fmt.Sprintf("%s:%d", h.IP, h.Port)
	}
	return hf.SelfID, addrs, nil
}

// FanoutHosts computes the static node->host mapping spec.md §3 calls
// for ("a static fanout of the partition"): every node in a given
// partition (or the cut) is assigned to host (partitionIndex %
// numHosts); the cut is always assigned to host 0, so every host
// reaches it identically. This is an Open Question decision recorded
// in DESIGN.md — the original source's partitioning tool is out of
// core scope (spec.md §1) and does not prescribe a specific fanout.
func FanoutHosts(partitions [][]topo.NodeID, cut []topo.NodeID, numHosts int) map[topo.NodeID]topo.HostID {
	hostOf := make(map[topo.NodeID]topo.HostID)
	for idx, part := range partitions {
		h := topo.HostID(idx % numHosts)
		for _, n := range part {
			hostOf[n] = h
		}
	}
	for _, n := range cut {
		hostOf[n] = 0
	}
	return hostOf
}
