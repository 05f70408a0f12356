package desktop

import (
	"errors"
	"testing"

	"github.com/dimas4dev/talkiplay/internal/notification"
)

type alertCall struct {
	title, message, icon string
}

type fakeAlerts struct {
	calls []alertCall
	err   error
}

func (f *fakeAlerts) alert(title, message, icon string) error {
	f.calls = append(f.calls, alertCall{title, message, icon})
	return f.err
}

func TestEnabledNotifierRaisesAlert(t *testing.T) {
	alerts := &fakeAlerts{}
	d := New(Options{Enabled: true, Icon: "/tmp/icon.png", Alert: alerts.alert})
	if !d.Enabled() {
		t.Fatalf("expected notifier enabled")
	}
	if err := d.Notify(notification.Notification{ID: "n1", Title: "Payment received", Message: "Invoice 42"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(alerts.calls) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts.calls))
	}
	want := alertCall{"Payment received", "Invoice 42", "/tmp/icon.png"}
	if alerts.calls[0] != want {
		t.Fatalf("expected %+v, got %+v", want, alerts.calls[0])
	}
}

func TestDisabledNotifierIsSilent(t *testing.T) {
	alerts := &fakeAlerts{}
	d := New(Options{Alert: alerts.alert})
	if d.Enabled() {
		t.Fatalf("expected notifier disabled")
	}
	if err := d.Notify(notification.Notification{ID: "n1", Title: "x"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(alerts.calls) != 0 {
		t.Fatalf("expected no alerts, got %d", len(alerts.calls))
	}
}

func TestNotifyWrapsAlertFailureAndDefaultsTitle(t *testing.T) {
	boom := errors.New("no notification daemon")
	alerts := &fakeAlerts{err: boom}
	d := New(Options{Enabled: true, Alert: alerts.alert})
	err := d.Notify(notification.Notification{ID: "n2", Message: "body"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped alert error, got %v", err)
	}
	if alerts.calls[0].title != "New notification" {
		t.Fatalf("expected fallback title, got %q", alerts.calls[0].title)
	}
}
