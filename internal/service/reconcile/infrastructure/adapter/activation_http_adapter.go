package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"vigil/internal/pkg/httpclient"
	"vigil/internal/service/reconcile/domain/port"
)

// ActivationHTTPAdapter 是 port.ActivationService 的 HTTP 实现。
// 激活端点按设备号幂等: 重复激活同一台设备返回 409, 这里视为成功。
type ActivationHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

// NewActivationHTTPAdapter 创建一个新的许可激活服务适配器实例。
func NewActivationHTTPAdapter(client *httpclient.Client, baseURL string) *ActivationHTTPAdapter {
	return &ActivationHTTPAdapter{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// Activate 为一台设备签发许可。
func (a *ActivationHTTPAdapter) Activate(ctx context.Context, deviceID string) (port.ActivationResult, error) {
	payload, err := json.Marshal(map[string]string{"deviceId": deviceID})
	if err != nil {
		return port.ActivationResult{}, errors.Wrap(err, "failed to marshal activation request")
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(ctx, http.MethodPost, a.baseURL+"/v1/licenses/activate", header, payload)
	if err != nil {
		return port.ActivationResult{}, errors.Wrap(err, "activation request failed")
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return port.ActivationResult{Success: true}, nil
	case resp.StatusCode == http.StatusConflict:
		// 设备已激活过, 幂等成功
		return port.ActivationResult{Success: true}, nil
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(resp.Body, &body)
	if body.Reason == "" {
		body.Reason = http.StatusText(resp.StatusCode)
	}
	return port.ActivationResult{Success: false, Reason: body.Reason}, nil
}
