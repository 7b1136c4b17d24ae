package adapter

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"vigil/internal/pkg/logger"
	"vigil/internal/zookeeper"
)

// guardWaitTimeout 抢锁的等待上限。抢不到就判定发票已被别的实例追踪,
// 不排队等待: 调用方应当直接拒绝开启第二个会话。
const guardWaitTimeout = 2 * time.Second

// StartGuardZkAdapter 是 port.StartGuard 的 ZooKeeper 实现,
// 用临时顺序节点保证同一发票跨进程只有一个协调器。
type StartGuardZkAdapter struct {
	conn *zookeeper.Conn
}

// NewStartGuardZkAdapter 创建一个新的跨进程启动守卫。
func NewStartGuardZkAdapter(conn *zookeeper.Conn) *StartGuardZkAdapter {
	return &StartGuardZkAdapter{conn: conn}
}

// Acquire 为一张发票抢占跨进程锁, 成功时返回释放函数。
func (a *StartGuardZkAdapter) Acquire(invoiceID string) (func(), error) {
	lock, err := zookeeper.NewDistributedLock(a.conn, invoiceID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to prepare lock for invoice %s", invoiceID)
	}
	if err := lock.Lock(guardWaitTimeout); err != nil {
		return nil, errors.Wrapf(err, "invoice %s is locked by another instance", invoiceID)
	}

	release := func() {
		if err := lock.Unlock(); err != nil {
			logger.Ctx(context.Background()).Warn().Err(err).
				Str("invoice_id", invoiceID).
				Msg("failed to release start guard lock")
		}
	}
	return release, nil
}
