package notify

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/Sigml/Darowizna/internal/config"
	"github.com/Sigml/Darowizna/internal/pkg/metrics"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 通过 SMTP 发送验证与重置邮件。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
}

// SendVerificationLink 发送邮箱验证链接。
func (n *EmailNotifier) SendVerificationLink(toEmail string, link string) error {
	body := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <h2>Darowizna — potwierdzenie adresu e-mail</h2>
    <p>Kliknij poniższy link, aby potwierdzić swój adres e-mail:</p>
    <p><a href="%s">%s</a></p>
    <p>Jeśli to nie Ty zakładałeś konto, zignoruj tę wiadomość.</p>
  </div>
</body>
</html>`, link, link)

	return n.send(toEmail, "[Darowizna] Potwierdź swój adres e-mail", body)
}

// SendResetLink 发送密码重置链接。
func (n *EmailNotifier) SendResetLink(toEmail string, link string) error {
	body := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <h2>Darowizna — reset hasła</h2>
    <p>Kliknij poniższy link, aby ustawić nowe hasło:</p>
    <p><a href="%s">%s</a></p>
    <p>Link wygaśnie po zmianie hasła lub po upływie terminu ważności.</p>
  </div>
</body>
</html>`, link, link)

	return n.send(toEmail, "[Darowizna] Reset hasła", body)
}

func (n *EmailNotifier) send(toEmail string, subject string, htmlBody string) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		return fmt.Errorf("email config missing")
	}
	if strings.TrimSpace(toEmail) == "" {
		return fmt.Errorf("empty recipient")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", htmlBody)

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
	if err := d.DialAndSend(m); err != nil {
		metrics.EmailFailedTotal.Inc()
		return fmt.Errorf("send email: %w", err)
	}

	metrics.EmailSentTotal.Inc()
	n.logger.Info("email sent", slog.String("to", toEmail), slog.String("subject", subject))
	return nil
}
