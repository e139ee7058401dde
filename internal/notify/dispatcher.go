// Package notify alerts the user about new inbound messages through whatever
// the device supports.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/bwchat/realtime-dm/internal/model"
	"github.com/bwchat/realtime-dm/internal/platform"
	"github.com/bwchat/realtime-dm/pkg/logger"
	"github.com/bwchat/realtime-dm/pkg/metrics"
)

// DefaultIcon is used when the sender has no avatar.
const DefaultIcon = "/default-avatar.png"

// Dispatcher plays the chime and shows a platform notification. It never
// returns an error; the caller guarantees at most one call per message.
type Dispatcher struct {
	capability platform.Capability
	logger     *logger.Logger
}

// NewDispatcher creates a dispatcher for one device.
func NewDispatcher(capability platform.Capability, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		capability: capability,
		logger:     logger.OrGlobal(log).Named("notify"),
	}
}

// ForMessage builds the notification for msg sent by sender in conversationID.
func ForMessage(sender *model.User, msg model.Message, conversationID string) platform.Notification {
	body := msg.Text
	if body == "" {
		body = "📎 Message"
	}
	icon := sender.PhotoURL
	if icon == "" {
		icon = DefaultIcon
	}
	return platform.Notification{
		Title:      "New message from " + sender.DisplayName(),
		Body:       body,
		Icon:       icon,
		RoutingKey: conversationID,
	}
}

// Dispatch alerts the user about n. Permission is requested on first need.
func (d *Dispatcher) Dispatch(ctx context.Context, n platform.Notification) {
	if err := d.capability.PlayChime(ctx); err != nil {
		d.logger.Debug("chime unavailable", zap.Error(err))
	}

	perm := d.capability.Permission()
	if perm == platform.PermissionDefault {
		var err error
		perm, err = d.capability.RequestPermission(ctx)
		if err != nil {
			d.logger.Debug("permission request failed", zap.Error(err))
		}
	}
	if perm != platform.PermissionGranted {
		metrics.NotificationsTotal.WithLabelValues("suppressed").Inc()
		return
	}

	if err := d.capability.Notify(ctx, n); err != nil {
		d.logger.Warn("notification failed",
			zap.String("routing_key", n.RoutingKey),
			zap.Error(err),
		)
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
}

// OptIn requests permission on an explicit user action.
func (d *Dispatcher) OptIn(ctx context.Context) platform.Permission {
	perm := d.capability.Permission()
	if perm != platform.PermissionDefault {
		return perm
	}
	perm, err := d.capability.RequestPermission(ctx)
	if err != nil {
		d.logger.Debug("permission request failed", zap.Error(err))
	}
	return perm
}
