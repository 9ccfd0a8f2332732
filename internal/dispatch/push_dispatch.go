package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-negotiation/internal/models"
)

// PushSink posts notifications as FCM HTTP v1 style messages to a push
// provider endpoint.
type PushSink struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushSink(endpoint, key string) *PushSink {
	return &PushSink{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushSink) Name() string { return "push" }

func (p *PushSink) Deliver(ctx context.Context, n models.Notification) error {
	data, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}
	// FCM data values must be strings
	body := map[string]any{"message": map[string]any{
		"topic": "user." + n.UserID,
		"data": map[string]string{
			"notification_id": n.ID,
			"type":            string(n.Type),
			"payload":         string(data),
		},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
