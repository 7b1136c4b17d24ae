// internal/service/reconcile/domain/state.go
package domain

// State 定义了支付会话的生命周期状态
type State string

const (
	StatePending State = "PENDING" // 对账进行中：倒计时与轮询均在运行
	StateSettled State = "SETTLED" // 已确认支付，激活侧效应已触发（至多一次）
	StateExpired State = "EXPIRED" // 未在窗口内确认支付，或发票已不存在
	StateAborted State = "ABORTED" // 调用方主动取消
)

// IsTerminal 判断状态是否为终态。终态不可再变更。
func (s State) IsTerminal() bool {
	return s == StateSettled || s == StateExpired || s == StateAborted
}

// ExpireReason 区分 EXPIRED 的来源，调用方据此决定引导"重试"还是"新开发票"
type ExpireReason string

const (
	ExpireReasonNone            ExpireReason = ""
	ExpireReasonDeadline        ExpireReason = "DEADLINE"          // 倒计时归零
	ExpireReasonInvoiceNotFound ExpireReason = "INVOICE_NOT_FOUND" // 上游返回发票不存在
)
