package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/vcs-repack/backend/config"
	"github.com/vcs-repack/backend/internal/models"
	"github.com/vcs-repack/backend/pkg/queue"
)

// UserStore resolves the recipient address.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Mailer sends order summaries over SMTP. With no SMTP host configured the
// summary is logged instead, which keeps local setups working.
type Mailer struct {
	cfg    config.EmailConfig
	users  UserStore
	logger *zap.Logger
}

// NewMailer creates the summary mail handler.
func NewMailer(cfg config.EmailConfig, users UserStore, logger *zap.Logger) *Mailer {
	return &Mailer{cfg: cfg, users: users, logger: logger}
}

// HandleOrderSummary is the asynq handler for summary deliveries.
func (m *Mailer) HandleOrderSummary(ctx context.Context, t *asynq.Task) error {
	var p queue.OrderSummaryPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode summary payload: %w", err)
	}
	userID, err := uuid.Parse(p.UserID)
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}
	user, err := m.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		m.logger.Warn("summary recipient gone", zap.String("user_id", p.UserID))
		return nil
	}

	subject, body := composeSummary(p)
	if m.cfg.Host == "" {
		m.logger.Info("order summary (smtp disabled)",
			zap.String("to", user.Email), zap.String("subject", subject), zap.String("body", body))
		return nil
	}
	return m.send(user.Email, subject, body)
}

func composeSummary(p queue.OrderSummaryPayload) (subject, body string) {
	subject = fmt.Sprintf("Recording order #%d finished", p.OrderID)
	var b strings.Builder
	fmt.Fprintf(&b, "Your repack order for %q has finished.\r\n\r\n", p.TypeName)
	fmt.Fprintf(&b, "Recordings total: %d\r\n", p.Total)
	fmt.Fprintf(&b, "Processed:        %d\r\n", p.Succeeded)
	if p.Failed > 0 {
		fmt.Fprintf(&b, "Failed:           %d\r\n", p.Failed)
	}
	if p.Cancelled > 0 {
		fmt.Fprintf(&b, "Cancelled:        %d\r\n", p.Cancelled)
	}
	return subject, b.String()
}

func (m *Mailer) send(to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	msg := strings.Join([]string{
		"From: " + m.cfg.FromAddress,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	var auth smtp.Auth
	if m.cfg.User != "" {
		auth = smtp.PlainAuth("", m.cfg.User, m.cfg.Password, m.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, m.cfg.FromAddress, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("send summary mail: %w", err)
	}
	m.logger.Info("order summary sent", zap.String("to", to))
	return nil
}
