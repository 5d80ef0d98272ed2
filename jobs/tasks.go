// Package jobs wires background task processing: bulk operation execution
// and outbound mail delivery.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeBulkExecute runs a submitted bulk operation.
	TaskTypeBulkExecute = "bulk:execute"
	// TaskTypeSendEmail delivers one transactional email.
	TaskTypeSendEmail = "mail:send"
)

// BulkExecutePayload identifies the operation to run.
type BulkExecutePayload struct {
	OperationID int64 `json:"operation_id"`
}

// NewBulkExecuteTask constructs the bulk execution task.
func NewBulkExecuteTask(payload BulkExecutePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeBulkExecute, data, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// BulkRunner is the execution entry point, satisfied by bulk.Engine.
type BulkRunner interface {
	Execute(ctx context.Context, operationID int64) error
}

// NewBulkExecuteHandler builds the asynq handler for bulk operations.
func NewBulkExecuteHandler(runner BulkRunner, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload BulkExecutePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("bulk execute payload: %w: %w", err, asynq.SkipRetry)
		}
		if err := runner.Execute(ctx, payload.OperationID); err != nil {
			logger.Error("bulk execution failed",
				slog.Int64("operation_id", payload.OperationID), slog.Any("error", err))
			return err
		}
		return nil
	}
}

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an asynq task for the payload.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data, asynq.Queue(QueueDefault)), nil
}

// MailConfig holds SMTP delivery settings. An empty Addr logs mail instead of
// sending, for local development without Mailpit.
type MailConfig struct {
	Addr string
	From string
}

// NewSendEmailHandler builds the asynq handler for outbound mail.
func NewSendEmailHandler(cfg MailConfig, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SendEmailPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("send email payload: %w: %w", err, asynq.SkipRetry)
		}
		if cfg.Addr == "" {
			logger.Info("mail delivery skipped, no smtp configured",
				slog.String("to", payload.To), slog.String("subject", payload.Subject))
			return nil
		}
		msg := strings.Join([]string{
			"From: " + cfg.From,
			"To: " + payload.To,
			"Subject: " + payload.Subject,
			"MIME-Version: 1.0",
			"Content-Type: text/plain; charset=utf-8",
			"",
			payload.Body,
		}, "\r\n")
		if err := smtp.SendMail(cfg.Addr, nil, cfg.From, []string{payload.To}, []byte(msg)); err != nil {
			return fmt.Errorf("send mail to %s: %w", payload.To, err)
		}
		return nil
	}
}
