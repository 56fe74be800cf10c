package ci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

var (
	ErrForbidden = errors.New("permission denied, the token needs the actions:write permission or the repo scope")
	ErrNotFound  = errors.New("repository not found")
)

const (
	DefaultBaseURL  = "https://api.github.com"
	DefaultRetryMax = 3
	DefaultTimeout  = 30 * time.Second

	runnersPerPage = 100
)

type Config struct {
	BaseURL string
	Token   string
	// Repository is "owner/name".
	Repository string

	RetryMax int
	Timeout  time.Duration

	Logger *slog.Logger `json:"-"`
}

type Client struct {
	config Config
	http   *retryablehttp.Client
	log    *slog.Logger
}

type Runner struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Busy   bool   `json:"busy"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func NewClient(config Config) (*Client, error) {
	if config.Token == "" {
		return nil, errors.New("a CI platform token is required")
	}
	if owner, name, ok := strings.Cut(config.Repository, "/"); !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("repository must be 'owner/name', got '%s'", config.Repository)
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.RetryMax < 0 {
		config.RetryMax = 0
	} else if config.RetryMax == 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "ci")

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = config.RetryMax
	httpClient.RetryWaitMin = 500 * time.Millisecond
	httpClient.RetryWaitMax = 5 * time.Second
	httpClient.HTTPClient.Timeout = config.Timeout
	httpClient.Logger = logger

	return &Client{config: config, http: httpClient, log: logger}, nil
}

// RepositoryURL is the URL runners register with.
func (c *Client) RepositoryURL() string {
	host := strings.Replace(c.config.BaseURL, "://api.", "://", 1)
	return host + "/" + c.config.Repository
}

func (c *Client) do(ctx context.Context, method, path string, into any) error {
	url := c.config.BaseURL + "/repos/" + c.config.Repository + path
	request, err := retryablehttp.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.config.Token)
	request.Header.Set("Accept", "application/vnd.github+json")

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("failed to read response of %s %s: %w", method, path, err)
	}

	switch {
	case response.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w (%s): %s", ErrForbidden, c.config.Repository, strings.TrimSpace(string(body)))
	case response.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s: %s", ErrNotFound, c.config.Repository, strings.TrimSpace(string(body)))
	case response.StatusCode >= 300:
		return fmt.Errorf("%s %s returned HTTP %d: %s", method, path, response.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("failed to decode response of %s %s: %w", method, path, err)
	}
	return nil
}

// RegistrationToken creates a token registering a new self-hosted runner.
func (c *Client) RegistrationToken(ctx context.Context) (string, error) {
	var response struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := c.do(ctx, http.MethodPost, "/actions/runners/registration-token", &response); err != nil {
		return "", err
	}
	if response.Token == "" {
		return "", errors.New("registration token not found in response")
	}

	c.log.Info("Obtained runner registration token", "repository", c.config.Repository, "expires-at", response.ExpiresAt)
	return response.Token, nil
}

func (c *Client) Runners(ctx context.Context) ([]Runner, error) {
	var runners []Runner
	for page := 1; ; page++ {
		var response struct {
			TotalCount int      `json:"total_count"`
			Runners    []Runner `json:"runners"`
		}
		path := "/actions/runners?per_page=" + strconv.Itoa(runnersPerPage) + "&page=" + strconv.Itoa(page)
		if err := c.do(ctx, http.MethodGet, path, &response); err != nil {
			return nil, err
		}

		runners = append(runners, response.Runners...)
		if len(response.Runners) < runnersPerPage || len(runners) >= response.TotalCount {
			return runners, nil
		}
	}
}

// FindRunner returns the first runner whose name contains pattern. An empty
// pattern matches nothing.
func (c *Client) FindRunner(ctx context.Context, pattern string) (Runner, bool, error) {
	if pattern == "" {
		return Runner{}, false, nil
	}
	runners, err := c.Runners(ctx)
	if err != nil {
		return Runner{}, false, err
	}
	for _, runner := range runners {
		if strings.Contains(runner.Name, pattern) {
			return runner, true, nil
		}
	}
	return Runner{}, false, nil
}
