package channel

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/model"
)

// EmailConfig holds SMTP settings
type EmailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	Link     string `mapstructure:"link"`
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends alerts over SMTP
type EmailChannel struct {
	logger   *zap.Logger
	config   EmailConfig
	sendMail sendMailFunc
}

// NewEmailChannel creates an SMTP channel
func NewEmailChannel(logger *zap.Logger, config EmailConfig) *EmailChannel {
	if config.Port == 0 {
		config.Port = 25
	}
	return &EmailChannel{
		logger:   logger.Named("email"),
		config:   config,
		sendMail: smtp.SendMail,
	}
}

func (c *EmailChannel) Name() string { return "email" }

// Send mails the alert to destination
func (c *EmailChannel) Send(ctx context.Context, destination string, alert model.Alert, others []model.Alert, cond Conditions) error {
	if destination == "" {
		return errors.New("no email address")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
	}

	msg := c.compose(destination, alert, others, cond)

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	if err := c.sendMail(addr, auth, c.config.From, []string{destination}, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	c.logger.Debug("Email sent",
		zap.String("to", destination),
		zap.Int64("alert_id", alert.ID()))
	return nil
}

func (c *EmailChannel) compose(destination string, alert model.Alert, others []model.Alert, cond Conditions) string {
	var body strings.Builder
	body.WriteString(Message(alert, others, cond, c.config.Link))
	body.WriteString("\r\n")
	if d, ok := alert.Field("detail"); ok && d != "" {
		body.WriteString("\r\n")
		body.WriteString(d)
		body.WriteString("\r\n")
	}

	return fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s%s\r\n"+
		"Date: %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s",
		c.config.From,
		destination,
		Banner(cond),
		Subject(alert),
		time.Now().Format(time.RFC1123Z),
		body.String())
}
