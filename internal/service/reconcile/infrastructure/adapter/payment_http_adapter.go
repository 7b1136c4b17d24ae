package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"vigil/internal/pkg/httpclient"
	"vigil/internal/pkg/logger"
	"vigil/internal/service/reconcile/domain"
)

// tokenSkew 在令牌真实过期前提前刷新的余量。
const tokenSkew = 30 * time.Second

// PaymentGatewayConfig 是支付网关的接入参数。
type PaymentGatewayConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
}

// PaymentHTTPAdapter 是 port.PaymentStatusService 的 HTTP 实现。
// 网关使用 client-credentials 流程鉴权, 令牌缓存在进程内,
// 过期后由 singleflight 保证并发轮询只发一次刷新请求。
type PaymentHTTPAdapter struct {
	client *httpclient.Client
	cfg    PaymentGatewayConfig

	sf         singleflight.Group
	tokenMu    sync.RWMutex
	token      string
	tokenUntil time.Time
}

// NewPaymentHTTPAdapter 创建一个新的支付状态服务适配器实例。
func NewPaymentHTTPAdapter(client *httpclient.Client, cfg PaymentGatewayConfig) *PaymentHTTPAdapter {
	return &PaymentHTTPAdapter{client: client, cfg: cfg}
}

// CheckStatus 查询一张发票的结算状态并归类为四种观察结果之一。
// 鉴权失败、网络错误与非 2xx 响应都归类为 TRANSIENT_ERROR:
// 对调用方来说它们都只意味着"这一轮没问出结果"。
func (a *PaymentHTTPAdapter) CheckStatus(ctx context.Context, invoiceID string) (domain.StatusObservation, error) {
	now := time.Now()
	observed := func(r domain.StatusResult) domain.StatusObservation {
		return domain.StatusObservation{Result: r, ObservedAt: now}
	}

	token, err := a.accessToken(ctx)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("payment gateway auth failed")
		return observed(domain.StatusTransientError), nil
	}

	statusURL := strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/invoices/" + url.PathEscape(invoiceID)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(ctx, http.MethodGet, statusURL, header, nil)
	if err != nil {
		return observed(domain.StatusTransientError), nil
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return observed(domain.StatusNotFound), nil
	case resp.StatusCode == http.StatusUnauthorized:
		// 令牌被网关提前作废, 丢掉缓存让下一轮重新换取
		a.invalidateToken()
		return observed(domain.StatusTransientError), nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return observed(domain.StatusTransientError), nil
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("malformed invoice status response")
		return observed(domain.StatusTransientError), nil
	}

	if strings.EqualFold(body.Status, "PAID") {
		return observed(domain.StatusPaid), nil
	}
	// 其余一切状态(ISSUED、PROCESSING 等)都视为仍在等待
	return observed(domain.StatusPending), nil
}

// accessToken 返回缓存的访问令牌, 必要时刷新。
func (a *PaymentHTTPAdapter) accessToken(ctx context.Context) (string, error) {
	a.tokenMu.RLock()
	token, until := a.token, a.tokenUntil
	a.tokenMu.RUnlock()
	if token != "" && time.Now().Before(until.Add(-tokenSkew)) {
		return token, nil
	}

	v, err, _ := a.sf.Do("oauth-token", func() (interface{}, error) {
		return a.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *PaymentHTTPAdapter) fetchToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", a.cfg.ClientID)
	form.Set("client_secret", a.cfg.ClientSecret)

	tokenURL := strings.TrimRight(a.cfg.BaseURL, "/") + "/oauth/token"
	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(ctx, http.MethodPost, tokenURL, header, []byte(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "token request failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return "", errors.Wrap(err, "malformed token response")
	}
	if body.AccessToken == "" {
		return "", errors.New("token endpoint returned empty access_token")
	}

	a.tokenMu.Lock()
	a.token = body.AccessToken
	a.tokenUntil = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	a.tokenMu.Unlock()

	return body.AccessToken, nil
}

func (a *PaymentHTTPAdapter) invalidateToken() {
	a.tokenMu.Lock()
	a.token = ""
	a.tokenUntil = time.Time{}
	a.tokenMu.Unlock()
}
