// Package desktop raises native OS notifications for new arrivals.
package desktop

import (
	"fmt"
	"strings"

	"github.com/gen2brain/beeep"

	"github.com/dimas4dev/talkiplay/internal/logger"
	"github.com/dimas4dev/talkiplay/internal/notification"
)

// AlertFunc shows one native notification.
type AlertFunc func(title, message, icon string) error

type Options struct {
	Enabled bool
	AppName string
	Icon    string
	// Alert defaults to beeep.Notify.
	Alert  AlertFunc
	Logger *logger.Logger
}

// Notifier satisfies session.Notifier. When disabled it reports so and
// Notify does nothing.
type Notifier struct {
	enabled bool
	icon    string
	alert   AlertFunc
	log     *logger.Logger
}

func New(opts Options) *Notifier {
	alert := opts.Alert
	if alert == nil {
		if opts.AppName != "" {
			beeep.AppName = opts.AppName
		}
		alert = func(title, message, icon string) error {
			return beeep.Notify(title, message, icon)
		}
	}
	return &Notifier{
		enabled: opts.Enabled,
		icon:    opts.Icon,
		alert:   alert,
		log:     logger.OrNop(opts.Logger).WithComponent("desktop"),
	}
}

func (d *Notifier) Enabled() bool { return d.enabled }

func (d *Notifier) Notify(n notification.Notification) error {
	if !d.enabled {
		return nil
	}
	title := strings.TrimSpace(n.Title)
	if title == "" {
		title = "New notification"
	}
	if err := d.alert(title, n.Message, d.icon); err != nil {
		return fmt.Errorf("desktop notification %s: %w", n.ID, err)
	}
	d.log.Debug("desktop notification shown", "id", n.ID)
	return nil
}
