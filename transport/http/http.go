// Package http implements couchsys.Server over a server's http api
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/ksuid"
	"github.com/tidwall/gjson"

	"github.com/autom8ter/couchsys"
	"github.com/autom8ter/couchsys/errors"
	"github.com/autom8ter/couchsys/util"
)

// Config configures a Client
type Config struct {
	// URL is the server's base url, ex: http://localhost:5984
	URL string `json:"url" validate:"required,url"`
	// Username and Password are sent as basic auth credentials if Username is set
	Username string `json:"username"`
	Password string `json:"password"`
	// Timeout bounds every request except feed subscriptions. Zero disables it.
	Timeout time.Duration `json:"timeout"`
	// FeedBuffer bounds the items a feed reads ahead of its consumer. Reading pauses while the buffer is full.
	// Zero is unbounded.
	FeedBuffer int `json:"feed_buffer" validate:"gte=0"`
	// HTTPClient overrides the default http client
	HTTPClient *http.Client `json:"-"`
	// Registerer registers the client's request metrics if set
	Registerer prometheus.Registerer `json:"-"`
	// Logger logs requests at debug level if set
	Logger couchsys.Logger `json:"-"`
}

// Client is a couchsys.Server backed by http
type Client struct {
	base    *url.URL
	config  Config
	client  *http.Client
	logger  couchsys.Logger
	metrics *metrics
}

var _ couchsys.Server = (*Client)(nil)

// New returns a new http client
func New(config Config) (*Client, error) {
	if err := util.ValidateStruct(config); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimSuffix(config.URL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, errors.Validation, "invalid url: %s", config.URL)
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := config.Logger
	if logger == nil {
		logger, _ = couchsys.NewLogger("error", nil)
	}
	m, err := newMetrics(config.Registerer)
	if err != nil {
		return nil, err
	}
	return &Client{
		base:    base,
		config:  config,
		client:  client,
		logger:  logger,
		metrics: m,
	}, nil
}

func (c *Client) url(query url.Values, segments ...string) string {
	var path strings.Builder
	for _, s := range segments {
		path.WriteString("/")
		path.WriteString(s)
	}
	if len(segments) == 0 {
		path.WriteString("/")
	}
	u := c.base.String() + path.String()
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do executes a request. A response with a non 2xx status is returned as an errors.Error carrying the status.
func (c *Client) do(ctx context.Context, method, route, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.Validation, "%s %s", method, route)
	}
	requestID := ksuid.New().String()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.observe(method, route, 0, time.Since(start))
		return nil, errors.Wrap(err, errors.Transport, "%s %s", method, route)
	}
	c.metrics.observe(method, route, resp.StatusCode, time.Since(start))
	c.logger.Debug(ctx, "executed request", map[string]any{
		"request.id":     requestID,
		"request.method": method,
		"request.route":  route,
		"status":         resp.StatusCode,
		"duration":       float64(time.Since(start).Microseconds()) / float64(1000),
	})
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	reason := gjson.GetBytes(body, "reason").String()
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return nil, errors.New(errors.Code(resp.StatusCode), "%s %s: %s: %s", method, route, gjson.GetBytes(body, "error").String(), reason)
}

// request executes a non feed request bounded by the configured timeout and returns the response body
func (c *Client) request(ctx context.Context, method, route, u string) ([]byte, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}
	resp, err := c.do(ctx, method, route, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.Transport, "%s %s: reading body", method, route)
	}
	return body, nil
}

// Info fetches the server's root metadata
func (c *Client) Info(ctx context.Context) (*couchsys.ServerInfo, error) {
	body, err := c.request(ctx, http.MethodGet, "/", c.url(nil))
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, errors.Wrap(err, errors.MalformedResponse, "GET /: decoding body")
	}
	var info couchsys.ServerInfo
	if err := util.Decode(data, &info); err != nil {
		return nil, errors.Wrap(err, errors.MalformedResponse, "GET /: decoding server info")
	}
	if err := util.ValidateStruct(info); err != nil {
		return nil, errors.Wrap(err, errors.MalformedResponse, "GET /: invalid server info")
	}
	return &info, nil
}

// AllDatabases lists every database on the server
func (c *Client) AllDatabases(ctx context.Context) ([]string, error) {
	body, err := c.request(ctx, http.MethodGet, "/_all_dbs", c.url(nil, "_all_dbs"))
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(body, &names); err != nil {
		return nil, errors.Wrap(err, errors.MalformedResponse, "GET /_all_dbs: decoding body")
	}
	return names, nil
}

// CreateDatabase creates a database
func (c *Client) CreateDatabase(ctx context.Context, name string) error {
	_, err := c.request(ctx, http.MethodPut, "/{db}", c.url(nil, url.PathEscape(name)))
	return err
}

// DestroyDatabase deletes a database
func (c *Client) DestroyDatabase(ctx context.Context, name string) error {
	_, err := c.request(ctx, http.MethodDelete, "/{db}", c.url(nil, url.PathEscape(name)))
	return err
}

// GetDatabase fetches a database descriptor. update_seq is a number on 1.x servers and a string afterwards;
// both are returned as strings.
func (c *Client) GetDatabase(ctx context.Context, name string) (*couchsys.DatabaseInfo, error) {
	body, err := c.request(ctx, http.MethodGet, "/{db}", c.url(nil, url.PathEscape(name)))
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New(errors.MalformedResponse, "GET /{db}: invalid json body")
	}
	result := gjson.ParseBytes(body)
	if !result.Get("update_seq").Exists() {
		return nil, errors.New(errors.MalformedResponse, "GET /{db}: missing update_seq")
	}
	return &couchsys.DatabaseInfo{
		DBName:      result.Get("db_name").String(),
		UpdateSeq:   result.Get("update_seq").String(),
		DocCount:    result.Get("doc_count").Int(),
		DocDelCount: result.Get("doc_del_count").Int(),
	}, nil
}

// Changes subscribes to a database's changes feed
func (c *Client) Changes(ctx context.Context, name string, params couchsys.ChangesParams) (*couchsys.Stream[couchsys.Item], error) {
	return c.feed(ctx, "/{db}/_changes", c.url(params.Values(), url.PathEscape(name), "_changes"), params.IsContinuous())
}

// DBUpdates subscribes to the server's live database updates feed
func (c *Client) DBUpdates(ctx context.Context, params couchsys.ChangesParams) (*couchsys.Stream[couchsys.Item], error) {
	return c.feed(ctx, "/_db_updates", c.url(params.Values(), "_db_updates"), params.IsContinuous())
}

// feed opens a feed and parses its body in the background. The request lives until the body is consumed,
// ctx is done, or the returned stream is closed.
func (c *Client) feed(ctx context.Context, route, u string, continuous bool) (*couchsys.Stream[couchsys.Item], error) {
	ctx, cancel := context.WithCancel(ctx)
	resp, err := c.do(ctx, http.MethodGet, route, u)
	if err != nil {
		cancel()
		return nil, err
	}
	stream := couchsys.NewBoundedStream[couchsys.Item](c.config.FeedBuffer)
	go func() {
		select {
		case <-stream.Closed():
			cancel()
		case <-ctx.Done():
		}
	}()
	go func() {
		defer cancel()
		defer resp.Body.Close()
		var err error
		if continuous {
			err = readContinuous(resp.Body, stream)
		} else {
			err = readResults(resp.Body, stream)
		}
		switch {
		case err == nil, ctx.Err() != nil:
			stream.End()
		default:
			c.logger.Error(ctx, "failed to read feed", err, map[string]any{"request.route": route})
			stream.Fail(errors.Wrap(err, errors.Transport, "GET %s: reading feed", route))
		}
	}()
	return stream, nil
}

// readContinuous publishes each newline delimited value of a continuous feed. Blank heartbeat lines are skipped.
func readContinuous(body io.Reader, stream *couchsys.Stream[couchsys.Item]) error {
	dec := json.NewDecoder(body)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if !stream.Publish(couchsys.Item(raw)) {
			return nil
		}
	}
}

// readResults publishes each element of the results array of a single envelope without buffering the whole
// body. Other envelope fields, such as last_seq, are discarded.
func readResults(body io.Reader, stream *couchsys.Stream[couchsys.Item]) error {
	dec := json.NewDecoder(body)
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		if key != "results" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return err
			}
			continue
		}
		if err := expectDelim(dec, '['); err != nil {
			return err
		}
		for dec.More() {
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return err
			}
			if !stream.Publish(couchsys.Item(raw)) {
				return nil
			}
		}
		if err := expectDelim(dec, ']'); err != nil {
			return err
		}
	}
	return expectDelim(dec, '}')
}

func expectDelim(dec *json.Decoder, delim json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != delim {
		return fmt.Errorf("expected %v, got %v", delim, tok)
	}
	return nil
}
