package auth

import (
	"context"
	"log/slog"
)

// Mailer は確認・リセットメールの送信を行う外部サービスのポート。
type Mailer interface {
	SendVerification(ctx context.Context, to, link string) error
	SendPasswordReset(ctx context.Context, to, link string) error
}

// LogMailer は送信の代わりにログ出力のみを行うMailer。
// リンクはトークンを含むためログに残さない。
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer はLogMailerを生成する。
func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

// SendVerification は確認メール送信をログに記録する。
func (m *LogMailer) SendVerification(ctx context.Context, to, link string) error {
	m.logger.InfoContext(ctx, "verification email queued", slog.String("to", to))
	return nil
}

// SendPasswordReset はリセットメール送信をログに記録する。
func (m *LogMailer) SendPasswordReset(ctx context.Context, to, link string) error {
	m.logger.InfoContext(ctx, "password reset email queued", slog.String("to", to))
	return nil
}

// compile-time interface check
var _ Mailer = (*LogMailer)(nil)
