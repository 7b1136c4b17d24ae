package port

import (
	"context"

	"vigil/internal/service/reconcile/domain"
)

// SessionStateStore 是崩溃恢复标记的出站端口。
// 协调器永远不会阻塞在它上面，任何失败都按 log-and-continue 处理。
type SessionStateStore interface {
	// Put 写入进行中标记，key 通常取发票 ID。
	Put(ctx context.Context, key string, marker domain.ResumeMarker) error

	// Clear 清除标记。带属主校验：只有 marker 中的 sessionID 与 ownerSessionID
	// 一致时才会真正删除，避免误删其他进程的标记。
	Clear(ctx context.Context, key, ownerSessionID string) error
}
