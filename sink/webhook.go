package sink

import (
	iface "TrafficDensity/interface"
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const TimeOutSeconds = 5

// Webhook POSTs each report as JSON to a configured URL.
type Webhook struct {
	URL    string
	client *resty.Client
}

func NewWebhook(url string, retries int) *Webhook {
	client := resty.New().
		SetTimeout(TimeOutSeconds*time.Second).
		SetRetryCount(retries).
		SetRetryWaitTime(500*time.Millisecond).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	return &Webhook{URL: url, client: client}
}

func (w *Webhook) Persist(ctx context.Context, report *iface.Report) error {
	if report == nil {
		return fmt.Errorf("nil report")
	}
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(report).
		Post(w.URL)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned %s, body: %s", resp.Status(), resp.String())
	}
	return nil
}
