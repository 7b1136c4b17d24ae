package application

import "errors"

// 编程性误用必须以类型化错误快速失败，绝不静默吞掉。
var (
	// ErrAlreadyRunning 同一个协调器被 Start 了两次。
	ErrAlreadyRunning = errors.New("reconcile: coordinator already running")

	// ErrNotStarted 对一个尚未 Start 的协调器调用了 Cancel。
	ErrNotStarted = errors.New("reconcile: coordinator not started")

	// ErrSessionActive 同一张发票已有活跃会话在追踪。
	ErrSessionActive = errors.New("reconcile: invoice already has an active session")

	// ErrSessionNotFound 指定的会话不存在。
	ErrSessionNotFound = errors.New("reconcile: session not found")
)
