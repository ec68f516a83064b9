package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/Hara602/blockTracker/internal/capture"
	"github.com/Hara602/blockTracker/internal/model"
	"github.com/Hara602/blockTracker/internal/tracker"
	"github.com/pkg/errors"
)

// Client 通过 unix socket 调用控制面
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient 连接 socket 上的控制面
func NewClient(socket string) *Client {
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	return &Client{http: &http.Client{Transport: tr, Timeout: 30 * time.Second}, baseURL: "http://blocktracker"}
}

// NewHTTPClient 使用给定的 http.Client 和地址
func NewHTTPClient(c *http.Client, baseURL string) *Client {
	return &Client{http: c, baseURL: baseURL}
}

func (c *Client) do(method, path string, query url.Values, body io.Reader, contentType string, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "control interface unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || out == nil {
		var r Response
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			return errors.Errorf("unexpected response %s", resp.Status)
		}
		if r.Status == "invalid_argument" {
			return errors.New(r.Error)
		}
		return model.FromStatusCode(r.Status, r.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Add 开始追踪 path
func (c *Client) Add(path string) error {
	body, err := json.Marshal(DeviceRequest{Path: path})
	if err != nil {
		return err
	}
	return c.do(http.MethodPost, "/devices", nil, bytes.NewReader(body), "application/json", nil)
}

// Remove 停止追踪 path
func (c *Client) Remove(path string) error {
	return c.do(http.MethodDelete, "/devices", url.Values{"path": {path}}, nil, "", nil)
}

func (c *Client) List() ([]tracker.DeviceInfo, error) {
	var out []tracker.DeviceInfo
	err := c.do(http.MethodGet, "/devices", nil, nil, "", &out)
	return out, err
}

func (c *Client) Pool() (PoolResponse, error) {
	var out PoolResponse
	err := c.do(http.MethodGet, "/pool", nil, nil, "", &out)
	return out, err
}

func (c *Client) Stats() (capture.Stats, error) {
	var out capture.Stats
	err := c.do(http.MethodGet, "/stats", nil, nil, "", &out)
	return out, err
}

// Write 把 data 写到 path 的 sector 处
func (c *Client) Write(path string, sector uint64, data []byte) error {
	q := url.Values{"path": {path}, "sector": {fmt.Sprint(sector)}}
	return c.do(http.MethodPost, "/io/write", q, bytes.NewReader(data), "application/octet-stream", nil)
}
