package calendar

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// AttendeeTimeLayout is the timestamp format used in attendee lookups
const AttendeeTimeLayout = "2006-01-02T15:04:05"

// HTTPClient talks to the calendar web service. Responses are YAML lists.
type HTTPClient struct {
	logger     *zap.Logger
	baseURL    *url.URL
	httpClient *http.Client
}

// NewHTTPClient creates a calendar client for baseURL
func NewHTTPClient(logger *zap.Logger, baseURL string, timeout time.Duration) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse calendar url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("calendar url must be http(s), got %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		logger:  logger.Named("calendar"),
		baseURL: u,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// IsUserOnHoliday fetches the holiday list at ref, which is either an
// absolute URL or a path below the base URL, and looks for username in it.
func (c *HTTPClient) IsUserOnHoliday(ctx context.Context, ref, username string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	target, err := c.baseURL.Parse(ref)
	if err != nil {
		return false, fmt.Errorf("failed to parse holiday url: %w", err)
	}

	var away []string
	if err := c.get(ctx, target.String(), &away); err != nil {
		return false, err
	}
	for _, name := range away {
		if name == username {
			return true, nil
		}
	}
	return false, nil
}

// Attendees returns who is on listRef at the given time
func (c *HTTPClient) Attendees(ctx context.Context, listRef string, at time.Time) ([]string, error) {
	endpoint := c.endpoint("api", "attendees", listRef, at.Format(AttendeeTimeLayout))

	var people []string
	if err := c.get(ctx, endpoint, &people); err != nil {
		return nil, err
	}
	return people, nil
}

// BankHolidays lists bank holidays between from and to
func (c *HTTPClient) BankHolidays(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	endpoint := c.endpoint("api", "bank_holidays", from.Format(DateLayout))
	if !SameDate(from, to) {
		endpoint = c.endpoint("api", "bank_holidays", from.Format(DateLayout), to.Format(DateLayout))
	}

	var raw []string
	if err := c.get(ctx, endpoint, &raw); err != nil {
		return nil, err
	}

	days := make([]time.Time, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if len(s) > len(DateLayout) {
			s = s[:len(DateLayout)]
		}
		day, err := time.ParseInLocation(DateLayout, s, from.Location())
		if err != nil {
			return nil, fmt.Errorf("failed to parse bank holiday %q: %w", s, err)
		}
		days = append(days, day)
	}
	return days, nil
}

func (c *HTTPClient) endpoint(parts ...string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(parts, "/")
	u.RawPath = ""
	return u.String()
}

func (c *HTTPClient) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	c.logger.Debug("Calendar lookup", zap.String("url", endpoint))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calendar request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("calendar request %s failed with status: %d", endpoint, resp.StatusCode)
	}

	if err := yaml.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode calendar response: %w", err)
	}
	return nil
}
