package nacos

import (
	"testing"

	"github.com/nacos-group/nacos-sdk-go/v2/model"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

type fakeNaming struct {
	insts  map[string]model.Instance
	closed bool
}

func (f *fakeNaming) RegisterInstance(p vo.RegisterInstanceParam) (bool, error) {
	f.insts[p.Ip] = model.Instance{Ip: p.Ip, Port: p.Port, Metadata: p.Metadata, Healthy: true}
	return true, nil
}

func (f *fakeNaming) DeregisterInstance(p vo.DeregisterInstanceParam) (bool, error) {
	delete(f.insts, p.Ip)
	return true, nil
}

func (f *fakeNaming) SelectInstances(vo.SelectInstancesParam) ([]model.Instance, error) {
	out := make([]model.Instance, 0, len(f.insts))
	for _, in := range f.insts {
		out = append(out, in)
	}
	return out, nil
}

func (f *fakeNaming) CloseClient() { f.closed = true }

func TestNodeRegistryLifecycle(t *testing.T) {
	f := &fakeNaming{insts: map[string]model.Instance{}}
	r := newNodeRegistry(f, "", "")
	if r.service != "chatty-gateway" || r.group != "DEFAULT_GROUP" {
		t.Fatalf("defaults = %q %q", r.service, r.group)
	}
	if err := r.Register(Node{NodeID: "gw2", IP: "10.0.0.2", Port: 5001, GRPCPort: 50051}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_ = r.Register(Node{NodeID: "gw1", IP: "10.0.0.1", Port: 5001})

	nodes, err := r.Nodes()
	if err != nil || len(nodes) != 2 || nodes[0].NodeID != "gw1" || nodes[1].GRPCPort != 50051 {
		t.Fatalf("nodes = %+v %v", nodes, err)
	}

	r.Close()
	if !f.closed || len(f.insts) != 1 {
		t.Fatalf("after close: closed=%v insts=%v", f.closed, f.insts)
	}
	if err := r.Deregister(); err != nil {
		t.Fatalf("second deregister: %v", err)
	}
}

func TestRegisterRejectsIncompleteNode(t *testing.T) {
	r := newNodeRegistry(&fakeNaming{insts: map[string]model.Instance{}}, "", "")
	if err := r.Register(Node{NodeID: "gw"}); err == nil {
		t.Fatalf("node without address accepted")
	}
}
