package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushDispatcher forwards user-directed events to an HTTP push provider when
// the recipient has no live connection.
type PushDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushDispatcher(endpoint, key string) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushBody struct {
	UserID string          `json:"user_id"`
	Event  string          `json:"event"`
	Frame  json.RawMessage `json:"frame"`
}

// Push posts the framed event. Provider failures are returned, never retried.
func (p *PushDispatcher) Push(ctx context.Context, userID, event string, frame []byte) error {
	b, err := json.Marshal(pushBody{UserID: userID, Event: event, Frame: frame})
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
		return fmt.Errorf("push provider status %d", resp.StatusCode)
	}
	return nil
}
