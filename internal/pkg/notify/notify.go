package notify

// Notifier 定义邮件通知接口。
//
// 注册/重置流程只依赖该接口；投递失败由调用方作为临时性错误上报，
// 重试是网关自己的职责。
type Notifier interface {
	// SendVerificationLink 发送邮箱验证链接。
	SendVerificationLink(toEmail string, link string) error
	// SendResetLink 发送密码重置链接。
	SendResetLink(toEmail string, link string) error
}
