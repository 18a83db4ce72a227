package channel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/model"
)

// SMSConfig holds the HTTP SMS gateway settings
type SMSConfig struct {
	GatewayURL string        `mapstructure:"gateway_url"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	From       string        `mapstructure:"from"`
	Flash      bool          `mapstructure:"flash"`
	Link       string        `mapstructure:"link"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// SMSChannel posts messages to a form-encoded HTTP SMS gateway
type SMSChannel struct {
	logger     *zap.Logger
	config     SMSConfig
	httpClient *http.Client
}

// NewSMSChannel creates an SMS gateway channel
func NewSMSChannel(logger *zap.Logger, config SMSConfig) *SMSChannel {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMSChannel{
		logger: logger.Named("sms"),
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *SMSChannel) Name() string { return "sms" }

// Send posts the message to the gateway. Any 2xx response counts as delivered.
func (c *SMSChannel) Send(ctx context.Context, destination string, alert model.Alert, others []model.Alert, cond Conditions) error {
	number := NormalizeNumber(destination)
	if number == "" {
		return fmt.Errorf("no phone number in %q", destination)
	}

	flash := "0"
	if c.config.Flash {
		flash = "1"
	}
	form := url.Values{
		"username":    {c.config.Username},
		"password":    {c.config.Password},
		"destination": {number},
		"message":     {Message(alert, others, cond, c.config.Link)},
		"originator":  {c.config.From},
		"flash":       {flash},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.GatewayURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("SMS gateway failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("SMS sent",
		zap.String("to", number),
		zap.Int64("alert_id", alert.ID()))
	return nil
}

// NormalizeNumber keeps the digits of n and turns a leading 0 into the UK
// country code 44.
func NormalizeNumber(n string) string {
	var b strings.Builder
	for _, r := range n {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "0") {
		digits = "44" + digits[1:]
	}
	return digits
}
