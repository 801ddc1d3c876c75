// Package webhook delivers audit entries to an external HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/domain/audit"
)

const deliveryTimeout = 10 * time.Second

// Notifier POSTs each audit entry as JSON to a configured URL.
// Delivery is fire-and-forget: failures are logged, never propagated,
// and never block the audit write path.
type Notifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewNotifier creates a notifier targeting url.
func NewNotifier(url string, logger *slog.Logger) *Notifier {
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: deliveryTimeout},
		logger: logger,
	}
}

// Notify delivers the entry asynchronously.
func (n *Notifier) Notify(e audit.Entry) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(e)
	}()
}

func (n *Notifier) deliver(e audit.Entry) {
	body, err := json.Marshal(e)
	if err != nil {
		n.logger.Warn("webhook marshal failed", "entry_id", e.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook request failed", "entry_id", e.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed", "entry_id", e.ID, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook delivery rejected", "entry_id", e.ID, "status", resp.StatusCode)
	}
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown
// and in tests.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Compile-time interface verification.
var _ audit.Notifier = (*Notifier)(nil)
