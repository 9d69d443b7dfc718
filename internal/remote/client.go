// Package remote carries the backing-store contract over HTTP: a Client that
// implements backing.Store against a store role, and the wire types its
// server side decodes. Results travel in-band as negative error codes so the
// proxy sees the same fserr taxonomy the store produced.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/fileproxy/internal/backing"
	"github.com/any-hub/fileproxy/internal/fserr"
	"github.com/any-hub/fileproxy/internal/transfer"
)

// Client 通过 HTTP 调用远端 store 角色，实现 backing.Store。
type Client struct {
	base string
	http *http.Client
}

var _ backing.Store = (*Client)(nil)

// NewClient returns a Client for the store at endpoint (http or https URL).
func NewClient(endpoint string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, fmt.Errorf("parse backing store url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("backing store url must be http or https: %q", endpoint)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("backing store url missing host: %q", endpoint)
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultTimeout)
	}
	return &Client{
		base: strings.TrimSuffix(parsed.String(), "/"),
		http: httpClient,
	}, nil
}

// Endpoint returns the normalized store URL.
func (c *Client) Endpoint() string {
	return c.base
}

func (c *Client) Version(ctx context.Context, path string) (int64, error) {
	var res Result
	if err := c.call(ctx, OpVersion, path, PathRequest{Path: path}, &res); err != nil {
		return 0, err
	}
	if err := fserr.FromStatus(OpVersion, path, res.Value); err != nil {
		return 0, err
	}
	return res.Value, nil
}

func (c *Client) OpenCheck(ctx context.Context, path string, mode backing.OpenMode) (backing.OpenInfo, error) {
	var res Result
	if err := c.call(ctx, OpOpen, path, OpenRequest{Path: path, Mode: mode}, &res); err != nil {
		return backing.OpenInfo{}, err
	}
	if res.Value == transfer.DirectorySize {
		return backing.OpenInfo{Directory: true}, nil
	}
	if err := fserr.FromStatus(OpOpen, path, res.Value); err != nil {
		return backing.OpenInfo{}, err
	}
	return backing.OpenInfo{Length: res.Value}, nil
}

func (c *Client) ReadChunk(ctx context.Context, req backing.ReadRequest) (backing.ReadResult, error) {
	var chunk transfer.Chunk
	if err := c.call(ctx, OpRead, req.Path, FromBacking(req), &chunk); err != nil {
		return backing.ReadResult{}, err
	}
	return transfer.DecodeRead(req.Path, chunk)
}

func (c *Client) WriteChunk(ctx context.Context, path string, content []byte, offset int64) (int, error) {
	var res Result
	if err := c.call(ctx, OpWrite, path, WriteRequest{Path: path, Content: content, Offset: offset}, &res); err != nil {
		return 0, err
	}
	if err := fserr.FromStatus(OpWrite, path, res.Value); err != nil {
		return 0, err
	}
	return int(res.Value), nil
}

func (c *Client) Delete(ctx context.Context, path string) error {
	var res Result
	if err := c.call(ctx, OpDelete, path, PathRequest{Path: path}, &res); err != nil {
		return err
	}
	return fserr.FromStatus("unlink", path, res.Value)
}

// call 发送一次 RPC；传输层失败统一视为权限错误并保留原因。
func (c *Client) call(ctx context.Context, op, path string, body, reply interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fserr.Wrap(op, path, fserr.InvalidArgument, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+RoutePrefix+op, bytes.NewReader(payload))
	if err != nil {
		return fserr.Wrap(op, path, fserr.InvalidArgument, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fserr.Wrap(op, path, fserr.PermissionDenied, fmt.Errorf("backing store unreachable: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fserr.Wrap(op, path, fserr.PermissionDenied,
			fmt.Errorf("backing store returned %s: %s", resp.Status, strings.TrimSpace(string(snippet))))
	}
	if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
		return fserr.Wrap(op, path, fserr.PermissionDenied, fmt.Errorf("decode %s reply: %w", op, err))
	}
	return nil
}
