package port

import "context"

// ActivationResult 是一次激活命令的结果。
type ActivationResult struct {
	Success bool
	Reason  string
}

// ActivationService 是许可激活的出站端口。
// 实现必须幂等：对已激活设备重复调用不得报错，也不得产生二次副作用。
type ActivationService interface {
	Activate(ctx context.Context, deviceID string) (ActivationResult, error)
}
