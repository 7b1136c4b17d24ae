package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"vigil/internal/pkg/redis"
	"vigil/internal/service/reconcile/domain"
)

const (
	inflightKeyPrefix     = "reconcile:inflight:"
	clearMarkerScriptName = "clear_inflight_marker"
)

// clearMarkerScript 只在标记仍属于指定会话时删除它, 防止误删
// 后继会话刚写入的新标记。
var clearMarkerScript = `
-- KEYS[1]: 进行中标记的 Key, 例如: reconcile:inflight:{invoice-123}
-- ARGV[1]: 发起清除的会话 ID

local value = redis.call('get', KEYS[1])
if not value then
    return 0 -- 标记本就不存在
end

local ok, marker = pcall(cjson.decode, value)
if not ok then
    -- 无法解析的脏数据直接清掉
    redis.call('del', KEYS[1])
    return 1
end

if marker['sessionId'] == ARGV[1] then
    redis.call('del', KEYS[1])
    return 1
end

return 0 -- 标记属于别的会话, 保持原样
`

// StateStoreRedisAdapter 是 port.SessionStateStore 的 Redis 实现。
// 标记带 TTL, 即便进程崩溃没来得及清理也会在窗口结束后自行消失。
type StateStoreRedisAdapter struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewStateStoreRedisAdapter 创建状态存储适配器, 并在创建时加载 Lua 脚本。
// ttl 应略大于支付窗口。
func NewStateStoreRedisAdapter(redisClient *redis.Client, ttl time.Duration) (*StateStoreRedisAdapter, error) {
	if err := redisClient.LoadScriptFromContent(clearMarkerScriptName, clearMarkerScript); err != nil {
		return nil, errors.Wrap(err, "failed to load clear-marker script")
	}
	return &StateStoreRedisAdapter{redisClient: redisClient, ttl: ttl}, nil
}

// Put 写入进行中标记, 覆盖同一发票的旧标记。
func (a *StateStoreRedisAdapter) Put(ctx context.Context, invoiceID string, marker domain.ResumeMarker) error {
	payload, err := json.Marshal(marker)
	if err != nil {
		return errors.Wrap(err, "failed to marshal resume marker")
	}
	key := inflightKeyPrefix + "{" + invoiceID + "}"
	if err := a.redisClient.GetClient().Set(ctx, key, payload, a.ttl).Err(); err != nil {
		return errors.Wrapf(err, "failed to put in-flight marker for invoice %s", invoiceID)
	}
	return nil
}

// Clear 删除进行中标记, 仅当标记仍属于 ownerSessionID 时生效。
func (a *StateStoreRedisAdapter) Clear(ctx context.Context, invoiceID, ownerSessionID string) error {
	key := inflightKeyPrefix + "{" + invoiceID + "}"
	_, err := a.redisClient.RunScript(ctx, clearMarkerScriptName, []string{key}, ownerSessionID)
	if err != nil {
		return errors.Wrapf(err, "failed to clear in-flight marker for invoice %s", invoiceID)
	}
	return nil
}
