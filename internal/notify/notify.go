// Package notify composes and dispatches client-facing reminders. Messages
// are written in Dutch; delivery happens asynchronously through the mail
// queue, with the notifications table as the dispatch record.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/helderboek/helderboek/internal/admin"
)

// MailQueue enqueues an outbound email for asynchronous delivery.
type MailQueue interface {
	EnqueueMail(ctx context.Context, to, subject, body string) error
}

// Notification is one row in the dispatch record. Reference is quoted in the
// message so a client reply can be matched back to the dispatch.
type Notification struct {
	ID               int64     `json:"id"`
	Reference        string    `json:"reference"`
	AdministrationID int64     `json:"administration_id"`
	PeriodKey        string    `json:"period_key"`
	Channel          string    `json:"channel"`
	Recipient        string    `json:"recipient"`
	Subject          string    `json:"subject"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
}

// Notification statuses.
const (
	StatusQueued = "QUEUED"
	StatusFailed = "FAILED"
)

// ChannelEmail is the only delivery channel currently wired.
const ChannelEmail = "EMAIL"

// ErrNoRecipient indicates the administration has no email address on file.
var ErrNoRecipient = errors.New("notify: administration has no email address")

// Content overrides the composed reminder. Empty fields keep the default
// Dutch subject and body on the EMAIL channel.
type Content struct {
	Channel string
	Title   string
	Message string
}

// Dispatcher writes the dispatch record and hands mail to the queue.
type Dispatcher struct {
	pool    *pgxpool.Pool
	mail    MailQueue
	printer *message.Printer
	dedupe  time.Duration
}

// NewDispatcher constructs a Dispatcher. Reminders for the same
// administration and period within the dedupe window are suppressed;
// a zero window defaults to 24 hours.
func NewDispatcher(pool *pgxpool.Pool, mail MailQueue, dedupe time.Duration) *Dispatcher {
	if dedupe <= 0 {
		dedupe = 24 * time.Hour
	}
	return &Dispatcher{
		pool:    pool,
		mail:    mail,
		printer: message.NewPrinter(language.Dutch),
		dedupe:  dedupe,
	}
}

// SendPeriodReminder composes and queues the closing reminder for one
// administration. Returns false when a recent reminder already covers the
// period and nothing was sent.
func (d *Dispatcher) SendPeriodReminder(ctx context.Context, adm admin.Administration, periodKey string, content Content, vatPayable *decimal.Decimal) (bool, error) {
	if adm.Email == "" {
		return false, ErrNoRecipient
	}
	channel := content.Channel
	if channel == "" {
		channel = ChannelEmail
	}
	if channel != ChannelEmail {
		return false, fmt.Errorf("notify: unsupported channel %q", channel)
	}

	var recent int
	err := d.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notifications
WHERE administration_id = $1 AND period_key = $2 AND status = $3 AND created_at > NOW() - $4::interval`,
		adm.ID, periodKey, StatusQueued, fmt.Sprintf("%d seconds", int(d.dedupe.Seconds()))).Scan(&recent)
	if err != nil {
		return false, err
	}
	if recent > 0 {
		return false, nil
	}

	reference := uuid.NewString()
	subject := content.Title
	if subject == "" {
		subject = d.printer.Sprintf("Herinnering: periode %s afsluiten voor %s", periodKey, adm.Name)
	}
	body := content.Message
	if body == "" {
		body = d.composeBody(adm, periodKey, vatPayable)
	} else if vatPayable != nil {
		amount, _ := vatPayable.Float64()
		body += d.printer.Sprintf(
			"\n\nDe concept btw-aangifte voor deze periode komt uit op %v euro.",
			number.Decimal(amount, number.Scale(2)))
	}
	body += d.printer.Sprintf("\n\nReferentie: %s", reference)

	var id int64
	err = d.pool.QueryRow(ctx, `INSERT INTO notifications (reference, administration_id, period_key, channel, recipient, subject, body, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		reference, adm.ID, periodKey, channel, adm.Email, subject, body, StatusQueued).Scan(&id)
	if err != nil {
		return false, err
	}

	if err := d.mail.EnqueueMail(ctx, adm.Email, subject, body); err != nil {
		_, uerr := d.pool.Exec(ctx, `UPDATE notifications SET status = $2 WHERE id = $1`, id, StatusFailed)
		if uerr != nil {
			return false, errors.Join(err, uerr)
		}
		return false, err
	}
	return true, nil
}

func (d *Dispatcher) composeBody(adm admin.Administration, periodKey string, vatPayable *decimal.Decimal) string {
	body := d.printer.Sprintf(
		"Beste relatie,\n\nDe administratie van %s is nog niet afgesloten voor periode %s. "+
			"Controleer de openstaande punten en lever ontbrekende stukken aan.\n",
		adm.Name, periodKey)
	if vatPayable != nil {
		amount, _ := vatPayable.Float64()
		body += d.printer.Sprintf(
			"\nDe concept btw-aangifte voor deze periode komt uit op %v euro.\n",
			number.Decimal(amount, number.Scale(2)))
	}
	body += "\nMet vriendelijke groet,\nUw boekhoudteam"
	return body
}

// ListForAdministration returns the dispatch record for an administration,
// newest first.
func (d *Dispatcher) ListForAdministration(ctx context.Context, administrationID int64, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := d.pool.Query(ctx, `SELECT id, reference, administration_id, period_key, channel, recipient, subject, status, created_at
FROM notifications WHERE administration_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		administrationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Reference, &n.AdministrationID, &n.PeriodKey, &n.Channel, &n.Recipient, &n.Subject, &n.Status, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
