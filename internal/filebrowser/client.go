package filebrowser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/sirupsen/logrus"

	"filebrowser-cdc/internal/models"
)

const (
	loginPath     = "/api/login"
	resourcesPath = "/api/resources"
	authHeader    = "X-Auth"
)

var errUnauthorized = errors.New("filebrowser: unauthorized")

// Config holds connection settings for a FileBrowser instance
type Config struct {
	URL           string
	Username      string
	Password      string
	Root          string
	Timeout       time.Duration
	RetryCount    int
	RetryInterval time.Duration
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type resource struct {
	Path     string     `json:"path"`
	Name     string     `json:"name"`
	Size     int64      `json:"size"`
	Modified string     `json:"modified"`
	IsDir    bool       `json:"isDir"`
	Items    []resource `json:"items"`
}

// Client lists a FileBrowser tree. Transport retries happen inside the HTTP
// client; errors that reach the caller wrap models.ErrAuthentication or
// models.ErrTransientFetch.
type Client struct {
	http   *req.Client
	cfg    Config
	token  string
	logger *logrus.Logger
}

// NewClient creates a client; it does not contact the server
func NewClient(cfg Config, logger *logrus.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("filebrowser url is required")
	}
	if cfg.Root == "" {
		cfg.Root = "/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}

	client := req.C().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(cfg.Timeout).
		SetUserAgent("filebrowser-cdc").
		SetCommonRetryCount(cfg.RetryCount).
		SetCommonRetryFixedInterval(cfg.RetryInterval).
		SetCommonRetryCondition(func(resp *req.Response, err error) bool {
			return err != nil || resp.StatusCode >= 500
		})

	return &Client{
		http:   client,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Login authenticates and stores the session token. Newer FileBrowser
// versions answer with a JSON object, older ones with the bare token.
func (c *Client) Login(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(&loginRequest{Username: c.cfg.Username, Password: c.cfg.Password}).
		Post(loginPath)
	if err != nil {
		return fmt.Errorf("%w: cannot reach FileBrowser at %s: %w", models.ErrTransientFetch, c.cfg.URL, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: FileBrowser rejected credentials for %q", models.ErrAuthentication, c.cfg.Username)
	case !resp.IsSuccessState():
		return fmt.Errorf("%w: login returned status %d", models.ErrTransientFetch, resp.StatusCode)
	}

	contentType := resp.GetContentType()
	var token string
	switch {
	case strings.Contains(contentType, "application/json"):
		var body loginResponse
		if err := resp.Unmarshal(&body); err != nil {
			return fmt.Errorf("%w: failed to decode login response: %w", models.ErrTransientFetch, err)
		}
		token = body.Token
	case strings.Contains(contentType, "text/plain"):
		token = strings.TrimSpace(resp.String())
		c.logger.Debug("Received token as plain text")
	default:
		return fmt.Errorf("%w: unexpected login content type %q, is FileBrowser running at %s?",
			models.ErrTransientFetch, contentType, c.cfg.URL)
	}

	if token == "" {
		return fmt.Errorf("%w: no token received from FileBrowser", models.ErrAuthentication)
	}

	c.token = token
	c.logger.Info("Authenticated with FileBrowser")
	return nil
}

// Fetch returns the flattened listing below the configured root. Any
// directory that cannot be listed fails the whole fetch: a partial listing
// would look like mass deletion to the reconciler.
func (c *Client) Fetch(ctx context.Context) ([]models.RawEntry, error) {
	if c.token == "" {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
	}

	var entries []models.RawEntry
	visited := map[string]struct{}{}
	pending := []string{c.cfg.Root}

	for len(pending) > 0 {
		dir := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if _, seen := visited[dir]; seen {
			continue
		}
		visited[dir] = struct{}{}

		res, err := c.listDir(ctx, dir)
		if err != nil {
			return nil, err
		}

		for _, item := range res.Items {
			entries = append(entries, c.toEntry(item))
			if item.IsDir && item.Path != "/" {
				pending = append(pending, item.Path)
			}
		}
	}

	c.logger.Debugf("Fetched %d entries from %s", len(entries), c.cfg.URL)
	return entries, nil
}

// listDir fetches one directory, logging in again once if the session expired
func (c *Client) listDir(ctx context.Context, dir string) (*resource, error) {
	res, err := c.getResource(ctx, dir)
	if errors.Is(err, errUnauthorized) {
		c.logger.Info("FileBrowser session expired, logging in again")
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
		res, err = c.getResource(ctx, dir)
		if errors.Is(err, errUnauthorized) {
			return nil, fmt.Errorf("%w: token rejected for %s", models.ErrAuthentication, dir)
		}
	}
	return res, err
}

func (c *Client) getResource(ctx context.Context, dir string) (*resource, error) {
	var res resource
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(authHeader, c.token).
		SetSuccessResult(&res).
		Get(resourceURL(dir))
	if err != nil {
		return nil, fmt.Errorf("%w: error fetching directory %s: %w", models.ErrTransientFetch, dir, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errUnauthorized
	case !resp.IsSuccessState():
		return nil, fmt.Errorf("%w: directory %s returned status %d", models.ErrTransientFetch, dir, resp.StatusCode)
	}
	return &res, nil
}

func (c *Client) toEntry(item resource) models.RawEntry {
	var modified time.Time
	if item.Modified != "" {
		t, err := time.Parse(time.RFC3339Nano, item.Modified)
		if err != nil {
			// a stable zero value avoids reporting the file as modified every cycle
			c.logger.Warnf("Unparsable modification time %q for %s", item.Modified, item.Path)
		} else {
			modified = t.UTC()
		}
	}

	size := item.Size
	if item.IsDir {
		size = 0
	}

	return models.RawEntry{
		Path:        item.Path,
		Name:        item.Name,
		Size:        size,
		ModifiedAt:  modified,
		IsDirectory: item.IsDir,
	}
}

// resourceURL escapes each path segment; directories keep a trailing slash
func resourceURL(dir string) string {
	segments := strings.Split(strings.Trim(dir, "/"), "/")
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			escaped = append(escaped, url.PathEscape(s))
		}
	}
	if len(escaped) == 0 {
		return resourcesPath + "/"
	}
	return resourcesPath + "/" + strings.Join(escaped, "/") + "/"
}
