package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	DefaultEndpoint = "http://100.100.100.200/latest/meta-data"
	DefaultTimeout  = 10 * time.Second
	DefaultRetryMax = 3
)

var ErrEmpty = errors.New("empty metadata value")

type Config struct {
	Endpoint string
	Timeout  time.Duration
	RetryMax int

	Logger *slog.Logger `json:"-"`
}

// Client reads the metadata service of the machine it runs on. Values are plain
// text documents.
type Client struct {
	endpoint string
	http     *retryablehttp.Client
}

// Identity is what a machine knows about itself.
type Identity struct {
	InstanceID string
	Region     string
	// Role is the name of the role attached to the machine.
	Role string
}

func NewClient(config Config) *Client {
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = config.RetryMax
	httpClient.RetryWaitMin = 200 * time.Millisecond
	httpClient.RetryWaitMax = 2 * time.Second
	httpClient.HTTPClient.Timeout = config.Timeout
	httpClient.Logger = nil
	if config.Logger != nil {
		httpClient.Logger = config.Logger.With("component", "metadata")
	}

	return &Client{
		endpoint: strings.TrimRight(config.Endpoint, "/"),
		http:     httpClient,
	}
}

// Get returns the trimmed value at path, for example "instance-id".
func (c *Client) Get(ctx context.Context, path string) (string, error) {
	request, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/"+strings.TrimLeft(path, "/"), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create metadata request: %w", err)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return "", fmt.Errorf("failed to read metadata '%s': %w", path, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read metadata '%s': %w", path, err)
	}
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata '%s' returned HTTP %d", path, response.StatusCode)
	}

	value := strings.TrimSpace(string(body))
	if value == "" {
		return "", fmt.Errorf("metadata '%s': %w", path, ErrEmpty)
	}
	return value, nil
}

// Identity reads the instance id, the region and the attached role. The role
// listing holds one name per line, the first one is used.
func (c *Client) Identity(ctx context.Context) (Identity, error) {
	var identity Identity
	var err error

	if identity.InstanceID, err = c.Get(ctx, "instance-id"); err != nil {
		return identity, err
	}
	if identity.Region, err = c.Get(ctx, "region-id"); err != nil {
		return identity, err
	}

	roles, err := c.Get(ctx, "ram/security-credentials/")
	if err != nil {
		return identity, err
	}
	identity.Role, _, _ = strings.Cut(roles, "\n")
	identity.Role = strings.TrimSpace(identity.Role)

	return identity, nil
}
