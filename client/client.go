// Package client implements the QIDO-RS query client and WADO-RS instance
// retrieval against a DICOMweb service.
package client

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	mediaTypeDICOMJSON = "application/dicom+json"
	acceptRetrieve     = `multipart/related; type="application/dicom"; transfer-syntax=*`
)

// Config holds client configuration
type Config struct {
	BaseURL         string            // DICOMweb root, e.g. http://pacs:8042/dicom-web
	Timeout         time.Duration     // Per-request timeout (default: 30s)
	QueryHeaders    map[string]string // Extra headers sent with every query
	RetrieveHeaders map[string]string // Extra headers sent with every retrieve
	QueryExtension  string            // Raw query string appended to every query, e.g. "&fuzzymatching=true"
	HTTPClient      *http.Client      // Underlying HTTP client (default: resty's)
	Logger          *slog.Logger      // Logger for the client (default: slog.Default())
}

// Client talks to one DICOMweb service. It is safe for concurrent use.
type Client struct {
	http            *resty.Client
	baseURL         string
	extension       url.Values
	queryHeaders    map[string]string
	retrieveHeaders map[string]string
	logger          *slog.Logger
}

// New builds a Client from config.
func New(config Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	extension, err := url.ParseQuery(strings.TrimLeft(strings.TrimSpace(config.QueryExtension), "&?"))
	if err != nil {
		return nil, fmt.Errorf("invalid query extension %q: %w", config.QueryExtension, err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var httpClient *resty.Client
	if config.HTTPClient != nil {
		httpClient = resty.NewWithClient(config.HTTPClient)
	} else {
		httpClient = resty.New()
	}
	httpClient.
		SetBaseURL(baseURL).
		SetTimeout(config.Timeout).
		SetRetryCount(0)

	return &Client{
		http:            httpClient,
		baseURL:         baseURL,
		extension:       extension,
		queryHeaders:    config.QueryHeaders,
		retrieveHeaders: config.RetrieveHeaders,
		logger:          logger,
	}, nil
}

// requestURL renders the URL of a request for logs and errors.
func (c *Client) requestURL(path string, params url.Values) string {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.baseURL + path
	}
	if len(params) == 0 {
		return target
	}
	return target + "?" + params.Encode()
}
