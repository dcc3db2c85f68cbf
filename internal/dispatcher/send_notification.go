package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xctf-platform/sandboxd/internal/model"
	"github.com/xctf-platform/sandboxd/internal/notify"
	"github.com/xctf-platform/sandboxd/internal/store"
)

// SendNotificationExecutor publishes a persisted Notification row over
// pub/sub for live delivery to connected players.
type SendNotificationExecutor struct {
	store     *store.Store
	publisher *notify.Publisher
}

// NewSendNotificationExecutor creates the notification fan-out executor.
func NewSendNotificationExecutor(s *store.Store, publisher *notify.Publisher) *SendNotificationExecutor {
	return &SendNotificationExecutor{store: s, publisher: publisher}
}

func (e *SendNotificationExecutor) Type() model.JobType { return model.JobTypeSendNotification }

func (e *SendNotificationExecutor) Execute(ctx context.Context, job *model.Job) error {
	var payload model.SendNotificationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if payload.NotificationID == "" {
		return fmt.Errorf("notification_id is required")
	}

	n, err := e.store.GetNotificationByID(ctx, payload.NotificationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // notification was deleted before delivery; nothing to do
		}
		return fmt.Errorf("lookup notification: %w", err)
	}

	msg := notify.Message{NotificationID: n.ID, Text: n.Message}
	if n.UserID != nil {
		msg.UserID = *n.UserID
	}

	return e.publisher.Publish(ctx, msg)
}
