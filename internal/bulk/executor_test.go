package bulk

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/helderboek/helderboek/internal/admin"
	"github.com/helderboek/helderboek/internal/notify"
)

type stubAdmins struct {
	admins map[int64]admin.Administration
}

func (s *stubAdmins) Get(ctx context.Context, id int64) (admin.Administration, error) {
	a, ok := s.admins[id]
	if !ok {
		return admin.Administration{}, admin.ErrAdministrationNotFound
	}
	return a, nil
}

type stubReminder struct {
	gotAdmin   admin.Administration
	gotKey     string
	gotContent notify.Content
	gotPayable *decimal.Decimal
	sent       bool
	err        error
}

func (s *stubReminder) SendPeriodReminder(ctx context.Context, adm admin.Administration, periodKey string, content notify.Content, vatPayable *decimal.Decimal) (bool, error) {
	s.gotAdmin = adm
	s.gotKey = periodKey
	s.gotContent = content
	s.gotPayable = vatPayable
	return s.sent, s.err
}

func TestExecutorForwardsReminderContent(t *testing.T) {
	reminder := &stubReminder{sent: true}
	admins := &stubAdmins{admins: map[int64]admin.Administration{
		3: {ID: 3, Name: "Bakkerij Jansen", Email: "jansen@example.nl"},
	}}
	exec := NewActionExecutor(nil, nil, nil, nil, nil, admins, reminder)

	op := Operation{
		ID:          1,
		Type:        TypeSendReminders,
		RequestedBy: 7,
		Params: Params{
			PeriodKey:       "2025-Q2",
			ReminderType:    notify.ChannelEmail,
			ReminderTitle:   "Kwartaal afsluiten",
			ReminderMessage: "Lever uiterlijk vrijdag de laatste stukken aan.",
		},
	}
	detail, err := exec.Execute(context.Background(), op, 3)
	require.NoError(t, err)
	require.Equal(t, "reminder queued for jansen@example.nl", detail)
	require.Equal(t, "2025-Q2", reminder.gotKey)
	require.Equal(t, notify.Content{
		Channel: notify.ChannelEmail,
		Title:   "Kwartaal afsluiten",
		Message: "Lever uiterlijk vrijdag de laatste stukken aan.",
	}, reminder.gotContent)
	require.Nil(t, reminder.gotPayable)
}

func TestExecutorSkipsRecentlyRemindedClient(t *testing.T) {
	reminder := &stubReminder{sent: false}
	admins := &stubAdmins{admins: map[int64]admin.Administration{
		3: {ID: 3, Email: "jansen@example.nl"},
	}}
	exec := NewActionExecutor(nil, nil, nil, nil, nil, admins, reminder)

	op := Operation{Type: TypeSendReminders, Params: Params{PeriodKey: "2025-Q2"}}
	_, err := exec.Execute(context.Background(), op, 3)
	require.ErrorIs(t, err, ErrSkipped)
	// Default copy: no overrides travelled along.
	require.Equal(t, notify.Content{}, reminder.gotContent)
}
