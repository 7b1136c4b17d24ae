package port

// StartGuard 是跨进程启动护栏的出站端口。
// Acquire 成功返回一个释放函数；同一张发票在集群内同时只能被一个协调器持有。
// 该端口是可选的：未配置时仅靠进程内注册表去重。
type StartGuard interface {
	Acquire(invoiceID string) (release func(), err error)
}
