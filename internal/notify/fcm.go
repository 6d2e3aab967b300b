package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FCMSender posts JSON to an FCM HTTP v1 style endpoint. Users are addressed
// through a per-user topic.
type FCMSender struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMSender(endpoint, key string) *FCMSender {
	return &FCMSender{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMSender) Send(ctx context.Context, msg Message) error {
	data := map[string]string{"kind": msg.Kind}
	// FCM data values must be strings
	for k, v := range msg.Payload {
		data[k] = fmt.Sprint(v)
	}
	body := map[string]any{
		"message": map[string]any{
			"topic": "user_" + msg.UserID,
			"data":  data,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode push: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push rejected: status %d", resp.StatusCode)
	}
	return nil
}
