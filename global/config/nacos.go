package config

import (
	"chatty/logger"
	"chatty/service/nacos"
	"chatty/tools/decode"
	"chatty/tools/errs"
	"strings"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

func newNacosConfigClient(c NacosConfig) (config_client.IConfigClient, error) {
	return clients.NewConfigClient(nacos.ClientParam(c.Conn()))
}

// FetchNacos reads the YAML document stored under dataId/group.
func FetchNacos(c NacosConfig) (map[string]any, error) {
	cli, err := newNacosConfigClient(c)
	if err != nil {
		return nil, errs.WrapMsg(err, "create nacos config client", "host", c.Host)
	}
	defer cli.CloseClient()

	content, err := cli.GetConfig(vo.ConfigParam{DataId: c.DataID, Group: c.Group})
	if err != nil {
		return nil, errs.WrapMsg(err, "get nacos config", "dataId", c.DataID, "group", c.Group)
	}
	if strings.TrimSpace(content) == "" {
		logger.Warn("[Config] nacos document empty, keeping local config")
		return map[string]any{}, nil
	}
	m, err := parseYAML([]byte(content))
	if err != nil {
		return nil, errs.WrapMsg(err, "parse nacos config", "dataId", c.DataID)
	}
	logger.Infof("[Config] loaded nacos document dataId=%s group=%s", c.DataID, c.Group)
	return m, nil
}

// WatchNacos calls onChange with the log section of every new revision of the document.
// Log level is the only setting applied without a restart.
func WatchNacos(c NacosConfig, onChange func(LogConfig)) (stop func(), err error) {
	cli, err := newNacosConfigClient(c)
	if err != nil {
		return nil, errs.WrapMsg(err, "create nacos config client", "host", c.Host)
	}
	param := vo.ConfigParam{
		DataId: c.DataID,
		Group:  c.Group,
		OnChange: func(namespace, group, dataId, data string) {
			m, err := parseYAML([]byte(data))
			if err != nil {
				logger.Warnf("[Config] nacos change ignored, bad yaml: %v", err)
				return
			}
			var doc struct {
				Log LogConfig `yaml:"log"`
			}
			if err := decode.DecodeInto(m, &doc, decode.Options{WeaklyTypedInput: true, TagName: "yaml"}); err != nil {
				logger.Warnf("[Config] nacos change ignored: %v", err)
				return
			}
			onChange(doc.Log)
		},
	}
	if err := cli.ListenConfig(param); err != nil {
		cli.CloseClient()
		return nil, errs.WrapMsg(err, "listen nacos config", "dataId", c.DataID)
	}
	return func() {
		_ = cli.CancelListenConfig(param)
		cli.CloseClient()
	}, nil
}
