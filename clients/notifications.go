package clients

import (
	"context"
	"net/http"
)

type notificationRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

type NotificationClient struct {
	ep endpoint
}

func NewNotificationClient(opts Options) *NotificationClient {
	return &NotificationClient{ep: newEndpoint(NotificationService, opts)}
}

// SendNotification devolve erro normalizado; quem chama decide se ignora.
func (c *NotificationClient) SendNotification(ctx context.Context, userID, text string) error {
	_, err := mutate(ctx, c.ep, http.MethodPost, "/notifications",
		notificationRequest{UserID: userID, Message: text},
		reraise[struct{}](c.ep, "sendNotification"))
	return err
}
