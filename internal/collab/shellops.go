package collab

import (
	"fmt"
	"os/exec"

	"github.com/ripc-net/controller/internal/clog"
	"github.com/ripc-net/controller/internal/topo"
)

// ShellRouterOps is the production RouterOps: it shells out to the
// per-image start/stop/restart/dump-routes commands, grounded on
// original_source/controller/node_ops.cpp (SPEC_FULL.md supplement #3).
// The commands themselves are out of core scope (spec.md §1); only the
// three distinct verbs and their node/image-keyed invocation are.
type ShellRouterOps struct {
	Image   Image
	Confdir string
}

func NewShellRouterOps(image Image, confdir string) (*ShellRouterOps, error) {
	if !image.Valid() {
		return nil, fmt.Errorf("collab: unknown image %q", image)
	}
	return &ShellRouterOps{Image: image, Confdir: confdir}, nil
}

func (o *ShellRouterOps) run(args ...string) error {
	cmd := exec.Command("/opt/lwc/bin/router-ctl", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		clog.Warningf("collab: %v: %s", args, out)
		return fmt.Errorf("router-ctl %v: %w", args, err)
	}
	return nil
}

func (o *ShellRouterOps) Start(node topo.NodeID) error {
	return o.run("start", string(o.Image), o.Confdir, fmt.Sprint(node))
}

func (o *ShellRouterOps) Restart(node topo.NodeID) error {
	return o.run("restart", string(o.Image), o.Confdir, fmt.Sprint(node))
}

func (o *ShellRouterOps) Stop(node topo.NodeID) error {
	return o.run("stop", string(o.Image), o.Confdir, fmt.Sprint(node))
}

func (o *ShellRouterOps) DumpRoutes(node topo.NodeID, tag string) ([]byte, error) {
	cmd := exec.Command("/opt/lwc/bin/router-ctl", "dump-routes", string(o.Image), o.Confdir, fmt.Sprint(node), tag)
	return cmd.Output()
}
