package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
)

const (
	verificationSubject  = "Confirm your email address"
	passwordResetSubject = "Reset your password"
)

// SMTPConfig はSMTP送信の設定。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPMailer はSMTPで確認・リセットメールを送信するMailer。
type SMTPMailer struct {
	client *mail.Client
	from   string
}

// NewSMTPMailer はSMTPMailerを生成する。接続は送信のたびに行う。
func NewSMTPMailer(config SMTPConfig) (*SMTPMailer, error) {
	if config.From == "" {
		return nil, fmt.Errorf("smtp sender address is required")
	}

	opts := []mail.Option{
		mail.WithPort(config.Port),
		mail.WithTLSPolicy(mail.TLSMandatory),
	}
	if config.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(config.Timeout))
	}
	if config.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(config.Username),
			mail.WithPassword(config.Password),
		)
	}

	client, err := mail.NewClient(config.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}
	return &SMTPMailer{client: client, from: config.From}, nil
}

// SendVerification はメールアドレス確認用のリンクを送信する。
func (m *SMTPMailer) SendVerification(ctx context.Context, to, link string) error {
	msg, err := m.message(to, verificationSubject,
		"Welcome! Open the link below to confirm your email address.\n\n"+link+"\n\n"+
			"If you did not create an account, you can ignore this email.\n")
	if err != nil {
		return err
	}
	return m.send(ctx, msg)
}

// SendPasswordReset はパスワード再設定用のリンクを送信する。
func (m *SMTPMailer) SendPasswordReset(ctx context.Context, to, link string) error {
	msg, err := m.message(to, passwordResetSubject,
		"We received a request to reset your password. Open the link below to choose a new one.\n\n"+link+"\n\n"+
			"If you did not request this, you can ignore this email.\n")
	if err != nil {
		return err
	}
	return m.send(ctx, msg)
}

// message はプレーンテキストのメッセージを組み立てる。
// リンクのクエリが崩れないよう本文はエンコードしない。
func (m *SMTPMailer) message(to, subject, body string) (*mail.Msg, error) {
	msg := mail.NewMsg(mail.WithEncoding(mail.NoEncoding))
	if err := msg.From(m.from); err != nil {
		return nil, fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

func (m *SMTPMailer) send(ctx context.Context, msg *mail.Msg) error {
	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// compile-time interface check
var _ Mailer = (*SMTPMailer)(nil)
