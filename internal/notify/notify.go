// Package notify sends operator alerts to an ntfy topic.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/presence-stream/internal/config"
)

// Notifier sends operator alerts.
type Notifier interface {
	SendThrottled(ctx context.Context, provider string, until time.Time) error
}

// Client implements the ntfy notification client.
type Client struct {
	httpClient *http.Client
	config     config.NotifyConfig
	logger     *zap.Logger
	now        func() time.Time
}

// NewClient creates a new ntfy client.
func NewClient(cfg config.NotifyConfig, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SendThrottled reports that provider answered 429 and is paused until until.
func (c *Client) SendThrottled(ctx context.Context, provider string, until time.Time) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("Rate limited: %s", provider)
	message := FormatThrottledMessage(provider, until, c.now())
	tags := c.config.Tags + ",hourglass"
	priority := "high"

	return c.send(ctx, title, message, tags, priority)
}

func (c *Client) send(ctx context.Context, title, message, tags, priority string) error {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.config.Server, "/"), c.config.Topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)

	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send notification", zap.Error(err))
		return fmt.Errorf("sending notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain response body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("notification failed",
			zap.Int("status", resp.StatusCode),
			zap.String("url", url),
		)
		return fmt.Errorf("notification failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("notification sent", zap.String("title", title))
	return nil
}

// NoopNotifier is a no-op implementation for when notifications are disabled.
type NoopNotifier struct{}

// SendThrottled is a no-op.
func (n *NoopNotifier) SendThrottled(_ context.Context, _ string, _ time.Time) error {
	return nil
}

// New creates the appropriate notifier based on config.
func New(cfg config.NotifyConfig, logger *zap.Logger) Notifier {
	if !cfg.Enabled {
		return &NoopNotifier{}
	}
	return NewClient(cfg, logger)
}

// ThrottleHook adapts n to the upstream throttle callback. Alerts are sent on
// their own goroutine.
func ThrottleHook(n Notifier, logger *zap.Logger) func(provider string, until time.Time) {
	return func(provider string, until time.Time) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := n.SendThrottled(ctx, provider, until); err != nil {
				logger.Warn("throttle alert not delivered",
					zap.String("provider", provider),
					zap.Error(err),
				)
			}
		}()
	}
}
