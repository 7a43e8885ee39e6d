package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// webhookSink POSTs notifications to one collaborator endpoint.
type webhookSink struct {
	name   string
	client *resty.Client
}

func newWebhookSink(name, url, apiKey string, timeout time.Duration) *webhookSink {
	client := resty.New().
		SetBaseURL(url).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &webhookSink{name: name, client: client}
}

func (s *webhookSink) Name() string { return s.name }

func (s *webhookSink) Deliver(ctx context.Context, n Notification) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(n).
		Post("")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("sink %s: status %d", s.name, resp.StatusCode())
	}
	return nil
}
