package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Notifier wakes an offline device when a controller wants to reach it.
// Delivery is best-effort; the device reconnects (or not) on its own.
type Notifier interface {
	NotifyConnect(ctx context.Context, deviceID string) error
}

// NoopNotifier is used when no push endpoint is configured.
type NoopNotifier struct{}

func (NoopNotifier) NotifyConnect(context.Context, string) error { return nil }

// HTTPNotifier posts connect requests to an external push service, which
// owns the actual delivery channel (FCM, APNs, whatever the deployment
// uses). The relay only says "this device should connect to me".
type HTTPNotifier struct {
	pushURL      string
	relayAddress string
	client       *http.Client
	log          *slog.Logger
}

func NewHTTPNotifier(pushURL, relayAddress string, log *slog.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		pushURL:      pushURL,
		relayAddress: relayAddress,
		client:       &http.Client{Timeout: 10 * time.Second},
		log:          log,
	}
}

func (n *HTTPNotifier) NotifyConnect(ctx context.Context, deviceID string) error {
	body, err := json.Marshal(map[string]string{
		"device_id":        deviceID,
		"target_device_id": deviceID,
		"type":             "connect",
		"relay_address":    n.relayAddress,
	})
	if err != nil {
		return fmt.Errorf("encoding push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.pushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	n.log.Debug("connect notification sent", "device", deviceID)
	return nil
}
