package nacos

import (
	"chatty/logger"
	"chatty/tools/errs"
	"sort"
	"strconv"
	"sync"

	"github.com/nacos-group/nacos-sdk-go/v2/model"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// namingClient 只用到 INamingClient 的这几个方法
type namingClient interface {
	RegisterInstance(param vo.RegisterInstanceParam) (bool, error)
	DeregisterInstance(param vo.DeregisterInstanceParam) (bool, error)
	SelectInstances(param vo.SelectInstancesParam) ([]model.Instance, error)
	CloseClient()
}

// Node is one gateway process as seen in the naming service.
type Node struct {
	NodeID   string
	IP       string
	Port     uint64 // http
	GRPCPort uint64
}

// NodeRegistry announces this gateway as an ephemeral instance and lists its peers.
type NodeRegistry struct {
	cli     namingClient
	service string
	group   string

	mu   sync.Mutex
	self *Node
}

func NewNodeRegistry(c Conf, service, group string) (*NodeRegistry, error) {
	cli, err := NewNamingClient(c)
	if err != nil {
		return nil, errs.WrapMsg(err, "create nacos naming client", "host", c.Host)
	}
	return newNodeRegistry(cli, service, group), nil
}

func newNodeRegistry(cli namingClient, service, group string) *NodeRegistry {
	if service == "" {
		service = "chatty-gateway"
	}
	if group == "" {
		group = "DEFAULT_GROUP"
	}
	return &NodeRegistry{cli: cli, service: service, group: group}
}

func (r *NodeRegistry) Register(n Node) error {
	if n.NodeID == "" || n.IP == "" || n.Port == 0 {
		return errs.ErrArgs.WrapMsg("invalid node", "node", n.NodeID, "ip", n.IP, "port", n.Port)
	}
	ok, err := r.cli.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          n.IP,
		Port:        n.Port,
		ServiceName: r.service,
		GroupName:   r.group,
		ClusterName: "DEFAULT",
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata: map[string]string{
			"nodeId":   n.NodeID,
			"grpcPort": strconv.FormatUint(n.GRPCPort, 10),
		},
	})
	if err != nil {
		return errs.WrapMsg(err, "nacos register", "service", r.service)
	}
	if !ok {
		return errs.New("nacos register returned false", "service", r.service)
	}
	r.mu.Lock()
	r.self = &n
	r.mu.Unlock()
	logger.Info("[Nacos] node registered", zap.String("service", r.service), zap.String("node", n.NodeID),
		zap.String("ip", n.IP), zap.Uint64("port", n.Port))
	return nil
}

// Deregister is a no-op when Register never succeeded.
func (r *NodeRegistry) Deregister() error {
	r.mu.Lock()
	n := r.self
	r.self = nil
	r.mu.Unlock()
	if n == nil {
		return nil
	}
	_, err := r.cli.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          n.IP,
		Port:        n.Port,
		ServiceName: r.service,
		GroupName:   r.group,
		Cluster:     "DEFAULT",
		Ephemeral:   true,
	})
	if err != nil {
		return errs.WrapMsg(err, "nacos deregister", "service", r.service)
	}
	return nil
}

// Nodes lists healthy gateway nodes ordered by node id.
func (r *NodeRegistry) Nodes() ([]Node, error) {
	insts, err := r.cli.SelectInstances(vo.SelectInstancesParam{
		ServiceName: r.service,
		GroupName:   r.group,
		HealthyOnly: true,
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "nacos select", "service", r.service)
	}
	out := make([]Node, 0, len(insts))
	for _, in := range insts {
		grpcPort, _ := strconv.ParseUint(in.Metadata["grpcPort"], 10, 64)
		out = append(out, Node{NodeID: in.Metadata["nodeId"], IP: in.Ip, Port: in.Port, GRPCPort: grpcPort})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (r *NodeRegistry) Close() {
	if err := r.Deregister(); err != nil {
		logger.Warn("[Nacos] deregister", zap.Error(err))
	}
	r.cli.CloseClient()
}
