package dicomweb

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/imaging"
)

// DefaultBasePath is the dcm4chee-arc DICOMweb root; %s is the device AE
// title.
const DefaultBasePath = "/dcm4chee-arc/aets/%s/rs"

// ClientOption configures a Client.
type ClientOption interface {
	applyClient(*ClientConfig)
}

type clientOptionFunc func(*ClientConfig)

func (f clientOptionFunc) applyClient(c *ClientConfig) { f(c) }

// ClientConfig holds DICOMweb client configuration.
type ClientConfig struct {
	Scheme   string        // default "http"
	BasePath string        // default DefaultBasePath
	Timeout  time.Duration // default 60s

	// HTTPClient overrides the instrumented default client.
	HTTPClient *http.Client

	// Destination receives retrieved objects. RetrieveStudy fails without it.
	Destination imaging.StoreService

	Logger *slog.Logger
}

// DefaultClientConfig returns the default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Scheme:   "http",
		BasePath: DefaultBasePath,
		Timeout:  60 * time.Second,
		Logger:   slog.Default(),
	}
}

// Scheme sets the URL scheme used to reach devices.
func Scheme(s string) ClientOption {
	return clientOptionFunc(func(c *ClientConfig) {
		if s != "" {
			c.Scheme = s
		}
	})
}

// BasePath sets the service root below host:port. A %s verb is replaced by
// the device's AE title.
func BasePath(p string) ClientOption {
	return clientOptionFunc(func(c *ClientConfig) {
		if p != "" {
			c.BasePath = p
		}
	})
}

// Timeout bounds queries and echoes, including reading the response body.
// A retrieve fails only when the remote sends nothing for this long.
func Timeout(d time.Duration) ClientOption {
	return clientOptionFunc(func(c *ClientConfig) {
		if d > 0 {
			c.Timeout = d
		}
	})
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return clientOptionFunc(func(c *ClientConfig) {
		c.HTTPClient = hc
	})
}

// Destination sets where retrieved objects are pushed.
func Destination(svc imaging.StoreService) ClientOption {
	return clientOptionFunc(func(c *ClientConfig) {
		c.Destination = svc
	})
}

func WithLogger(l *slog.Logger) ClientOption {
	return clientOptionFunc(func(c *ClientConfig) {
		if l != nil {
			c.Logger = l
		}
	})
}
