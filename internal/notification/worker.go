package notification

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"guardian-backend/internal/model"
)

const queuePerWorker = 64

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Store is what the workers read and prune.
type Store interface {
	AlertByID(ctx context.Context, id int64) (*model.Alert, error)
	SubscriptionsForTenant(ctx context.Context, tenantID int64) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// Marker records that an alert reached someone out of band.
type Marker interface {
	MarkNotified(ctx context.Context, alertID int64) (bool, error)
}

// Payload is the body of an alert push.
type Payload struct {
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	AlertID    int64          `json:"alert_id"`
	CircleID   int64          `json:"circle_id"`
	AlertLevel model.Severity `json:"alert_level"`
}

// WorkerPool manages a pool of workers for sending alert notifications.
type WorkerPool struct {
	size    int
	jobs    chan int64
	store   Store
	marker  Marker
	webpush *webpush.Options
	sender  NotificationSender
	logger  *zap.SugaredLogger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, store Store, marker Marker, webpushOptions *webpush.Options, logger *zap.SugaredLogger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan int64, size*queuePerWorker),
		store:   store,
		marker:  marker,
		webpush: webpushOptions,
		sender:  &WebPushSender{}, // Use the real sender by default
		logger:  logger,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

// worker is the actual worker goroutine.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.logger.Debugw("Worker started", "worker", id)
	for {
		select {
		case alertID := <-wp.jobs:
			wp.logger.Debugw("Worker processing alert", "worker", id, "alert", alertID)
			wp.notifyAlert(ctx, alertID)
		case <-ctx.Done():
			wp.logger.Debugw("Worker shutting down", "worker", id)
			return
		}
	}
}

// Dispatch queues an alert without blocking; when the queue is full the
// alert stays pending and is dropped from the queue.
func (wp *WorkerPool) Dispatch(alertID int64) {
	select {
	case wp.jobs <- alertID:
	default:
		wp.logger.Warnw("Notification queue full, alert left pending", "alert", alertID)
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan int64 {
	return wp.jobs
}

// notifyAlert pushes the alert to every subscription of the alert's tenant
// members and marks it notified once at least one push was accepted.
func (wp *WorkerPool) notifyAlert(ctx context.Context, alertID int64) {
	alert, err := wp.store.AlertByID(ctx, alertID)
	if err != nil {
		wp.logger.Errorw("Error fetching alert", "alert", alertID, "error", err)
		return
	}
	if alert.Status != model.AlertPending {
		return
	}

	subscriptions, err := wp.store.SubscriptionsForTenant(ctx, alert.TenantID)
	if err != nil {
		wp.logger.Errorw("Error fetching subscriptions", "tenant", alert.TenantID, "error", err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(Payload{
		Title:      title(alert.Severity),
		Body:       alert.Message,
		AlertID:    alert.ID,
		CircleID:   alert.TenantID,
		AlertLevel: alert.Severity,
	})
	if err != nil {
		wp.logger.Errorw("Error encoding push payload", "alert", alertID, "error", err)
		return
	}

	wp.logger.Infow("Sending alert notifications", "alert", alertID, "subscriptions", len(subscriptions))
	delivered := 0
	for _, sub := range subscriptions {
		if wp.sendNotification(ctx, sub, payload) {
			delivered++
		}
	}
	if delivered == 0 {
		return
	}

	if _, err := wp.marker.MarkNotified(ctx, alertID); err != nil {
		wp.logger.Errorw("Error marking alert notified", "alert", alertID, "error", err)
	}
}

// sendNotification sends a single web push notification and reports whether
// the push service accepted it.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) bool {
	// Manually construct the webpush.Subscription object
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.logger.Warnw("Error sending notification", "endpoint", sub.Endpoint, "error", err)
		return false
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		wp.logger.Infow("Subscription expired, deleting", "endpoint", sub.Endpoint)
		if err := wp.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			wp.logger.Errorw("Failed to delete expired subscription", "endpoint", sub.Endpoint, "error", err)
		}
		return false
	}
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func title(s model.Severity) string {
	switch s {
	case model.SeverityCritical:
		return "Emergency alert"
	case model.SeverityImportant:
		return "Important alert"
	}
	return "Alert"
}
