package adapters

import (
	"context"
	"net/http"
)

// NotificationClient posts workflow notices to the notification service. It
// satisfies saga.NotificationAPI.
type NotificationClient struct {
	*HTTPClient
}

func NewNotificationClient(baseURL string, cfg BreakerConfig) *NotificationClient {
	return &NotificationClient{NewHTTPClient("notification-service", baseURL, 0, cfg)}
}

func (c *NotificationClient) SampleProcessed(ctx context.Context, txID, sampleID, locationID string) error {
	body := map[string]interface{}{
		"template":    "sample_processed",
		"sample_id":   sampleID,
		"location_id": locationID,
	}
	return c.do(ctx, http.MethodPost, "/api/v1/notifications", txID, body, nil)
}
