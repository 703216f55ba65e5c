package webhook

import (
	"context"
	"log"
	"strconv"
	"time"

	"statuslanes/status"
)

// DeviceNotifier adapts a Pusher to the reconciler's Notifier port.
type DeviceNotifier struct {
	pusher *Pusher
}

// NewDeviceNotifier wraps pusher.
func NewDeviceNotifier(pusher *Pusher) *DeviceNotifier {
	return &DeviceNotifier{pusher: pusher}
}

// Notify pushes the active status to the device's webhook.
func (n *DeviceNotifier) Notify(ctx context.Context, device *status.Device, active status.ActiveStatus) error {
	return n.pusher.Push(ctx, device.Config.WebhookURL, NewPayload(MergeVariables(device, active)))
}

// MergeVariables renders the variables a display template consumes.
func MergeVariables(device *status.Device, active status.ActiveStatus) map[string]string {
	vars := map[string]string{
		"status":     active.Label,
		"status_key": strconv.Itoa(active.Key),
		"source":     string(active.Source),
		"updated_at": formatForDevice(device, active.UpdatedAt),
		"until":      "",
	}
	if active.EventEndsAt != nil {
		vars["until"] = formatForDevice(device, *active.EventEndsAt)
	}
	return vars
}

func formatForDevice(device *status.Device, t time.Time) string {
	if t.IsZero() {
		return ""
	}
	s, err := status.FormatFor(device, t)
	if err != nil {
		log.Printf("Webhook: format timestamp device=%s: %v", device.ID, err)
		return t.UTC().Format(time.RFC3339)
	}
	return s
}
