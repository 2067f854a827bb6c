package nacos

import (
	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

// Conf 连接参数，config 与 naming 客户端共用
type Conf struct {
	Host      string
	Port      uint64
	Namespace string
	Username  string
	Password  string
}

func ClientParam(c Conf) vo.NacosClientParam {
	return vo.NacosClientParam{
		ClientConfig: constant.NewClientConfig(
			constant.WithNamespaceId(c.Namespace),
			constant.WithTimeoutMs(5000),
			constant.WithNotLoadCacheAtStart(true),
			constant.WithLogLevel("warn"),
			constant.WithCacheDir("nacos/cache"),
			constant.WithLogDir("nacos/log"),
			constant.WithUsername(c.Username),
			constant.WithPassword(c.Password),
		),
		ServerConfigs: []constant.ServerConfig{
			*constant.NewServerConfig(c.Host, c.Port),
		},
	}
}

func NewNamingClient(c Conf) (naming_client.INamingClient, error) {
	return clients.NewNamingClient(ClientParam(c))
}
