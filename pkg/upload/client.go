// Package upload talks to the service that issues pre-signed storage URLs for
// chat attachments and source documents. Moving the bytes is left to the caller.
package upload

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

var ErrNotConfigured = errors.New("upload client is not configured")

// SourcePrefix is where the backend keeps the documents answers cite.
const SourcePrefix = "bench/"

// SourceKey maps a cited source path to its storage key. The first path
// segment is stored lowercased, so "IRS/p587.pdf" becomes "bench/irs/p587.pdf".
func SourceKey(path string) string {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
	parts[0] = strings.ToLower(parts[0])
	return SourcePrefix + strings.Join(parts, "/")
}

// Target is where an attachment should be PUT, and the path the backend will
// know it by afterwards.
type Target struct {
	UploadURL string `json:"uploadURL"`
	FilePath  string `json:"file_path"`
}

type downloadResponse struct {
	URL string `json:"url"`
}

type Client struct {
	baseURL    string
	httpClient *resty.Client
}

type Option func(*resty.Client)

// WithCookie forwards the session cookie of the signed-in user.
func WithCookie(cookie string) Option {
	return func(c *resty.Client) {
		if cookie != "" {
			c.SetHeader("Cookie", cookie)
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *resty.Client) {
		c.SetTimeout(d)
	}
}

// NewClient returns a client for the service at baseURL, e.g.
// "https://host/secure/chat". An empty baseURL yields a disabled client.
func NewClient(baseURL string, options ...Option) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", "chatsocket/1.0").
		SetTimeout(20 * time.Second)
	for _, o := range options {
		o(client)
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: client,
	}
}

func (c *Client) IsEnabled() bool {
	return c != nil && c.baseURL != ""
}

// RequestTarget asks for an upload URL for one file of a conversation.
func (c *Client) RequestTarget(ctx context.Context, filename string, filetype string, conversationID string) (*Target, error) {
	if !c.IsEnabled() {
		return nil, ErrNotConfigured
	}
	if filename == "" || conversationID == "" {
		return nil, errors.New("filename and conversation id are required")
	}

	var target Target
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"filename":        filename,
			"filetype":        filetype,
			"conversation_id": conversationID,
		}).
		SetResult(&target).
		Get("/get-presigned-url-for-upload")
	if err != nil {
		return nil, errors.Wrap(err, "request upload target")
	}
	if resp.IsError() {
		return nil, errors.Errorf("upload target error (%d): %s", resp.StatusCode(), resp.String())
	}
	if target.UploadURL == "" {
		return nil, errors.New("upload target response has no uploadURL")
	}
	return &target, nil
}

// DownloadURL asks for a short lived URL to read a stored document, such as a
// source reference of an answer.
func (c *Client) DownloadURL(ctx context.Context, filename string) (string, error) {
	if !c.IsEnabled() {
		return "", ErrNotConfigured
	}

	var out downloadResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("filename", filename).
		SetResult(&out).
		Get("/get-presigned-url")
	if err != nil {
		return "", errors.Wrap(err, "request download url")
	}
	if resp.IsError() {
		return "", errors.Errorf("download url error (%d): %s", resp.StatusCode(), resp.String())
	}
	return out.URL, nil
}
