// internal/pkg/nacos/config_client.go
package nacos

import (
	"fmt"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

// ConfigClient 封装了 Nacos 配置中心客户端。
type ConfigClient struct {
	client    config_client.IConfigClient
	groupName string
}

// NewConfigClient 创建配置中心客户端。
func NewConfigClient(addrs string, namespaceId, groupName string) (*ConfigClient, error) {
	if groupName == "" {
		groupName = "DEFAULT_GROUP"
	}

	serverConfigs, err := ParseServerAddrs(addrs)
	if err != nil {
		return nil, err
	}
	clientConfig := newClientConfig(namespaceId)

	client, err := clients.NewConfigClient(
		vo.NacosClientParam{
			ClientConfig:  &clientConfig,
			ServerConfigs: serverConfigs,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create nacos config client: %w", err)
	}

	return &ConfigClient{client: client, groupName: groupName}, nil
}

// GetConfig 拉取指定 dataId 的配置内容。
func (c *ConfigClient) GetConfig(dataId string) (string, error) {
	return c.client.GetConfig(vo.ConfigParam{
		DataId: dataId,
		Group:  c.groupName,
	})
}

// ListenConfig 监听配置变化，onChange 会在每次变更时收到最新内容。
func (c *ConfigClient) ListenConfig(dataId string, onChange func(content string)) error {
	return c.client.ListenConfig(vo.ConfigParam{
		DataId: dataId,
		Group:  c.groupName,
		OnChange: func(namespace, group, dataId, data string) {
			onChange(data)
		},
	})
}

// Close 取消监听并关闭客户端。
func (c *ConfigClient) Close() {
	c.client.CloseClient()
}
