package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wiresync/internal/middleware"
	"wiresync/internal/models"
)

// Client: общий POST-вызов RPC поверх net/http.
type Client struct {
	BaseURL string
	Codec   Codec
	HTTP    *http.Client
}

func NewClient(baseURL string, codec Codec, timeout time.Duration) *Client {
	if codec == nil {
		codec = JSON
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Codec:   codec,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) call(ctx context.Context, path string, req, resp any) error {
	body, err := c.Codec.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	hr.Header.Set("Content-Type", c.Codec.ContentType())
	hr.Header.Set("Accept", c.Codec.ContentType()+", "+models.ProblemContentType)
	if id := middleware.RequestIDFrom(ctx); id != "" {
		hr.Header.Set(middleware.RequestIDHeader, id)
	}

	res, err := c.HTTP.Do(hr)
	if err != nil {
		return fmt.Errorf("call %s%s: %w", c.BaseURL, path, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read %s reply: %w", path, err)
	}

	if res.StatusCode != http.StatusOK {
		return decodeProblem(res, data)
	}
	if err := codecFor(res.Header.Get("Content-Type")).Unmarshal(data, resp); err != nil {
		return fmt.Errorf("decode %s reply: %w", path, err)
	}
	return nil
}

func decodeProblem(res *http.Response, data []byte) error {
	mt, _, _ := mime.ParseMediaType(res.Header.Get("Content-Type"))
	if mt == models.ProblemContentType {
		var p models.Problem
		if err := json.Unmarshal(data, &p); err == nil && p.Code != "" {
			return &RemoteError{Status: res.StatusCode, Code: p.Code, Detail: p.Detail}
		}
	}
	return &RemoteError{
		Status: res.StatusCode,
		Code:   models.CodeInternal,
		Detail: strings.TrimSpace(string(data)),
	}
}

/* ───── Coordinator ───── */

// CoordinatorClient: клиент CoordinatorAPI для агента и CLI.
type CoordinatorClient struct{ c *Client }

var _ models.CoordinatorAPI = (*CoordinatorClient)(nil)

func NewCoordinatorClient(baseURL string, codec Codec, timeout time.Duration) *CoordinatorClient {
	return &CoordinatorClient{c: NewClient(baseURL, codec, timeout)}
}

func (k *CoordinatorClient) Hello(ctx context.Context, req models.HelloRequest) (*models.HelloReply, error) {
	var out models.HelloReply
	if err := k.c.call(ctx, CoordinatorPrefix+"/hello", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (k *CoordinatorClient) Submit(ctx context.Context, req models.SubmitRequest) (*models.SubmitReply, error) {
	var out models.SubmitReply
	if err := k.c.call(ctx, CoordinatorPrefix+"/submit", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (k *CoordinatorClient) Check(ctx context.Context, req models.CheckRequest) (*models.CheckReply, error) {
	var out models.CheckReply
	if err := k.c.call(ctx, CoordinatorPrefix+"/check", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (k *CoordinatorClient) Pull(ctx context.Context, req models.PeerRequest) (*models.PullReply, error) {
	var out models.PullReply
	if err := k.c.call(ctx, CoordinatorPrefix+"/pull", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (k *CoordinatorClient) Delete(ctx context.Context, req models.PeerRequest) (*models.DeleteReply, error) {
	var out models.DeleteReply
	if err := k.c.call(ctx, CoordinatorPrefix+"/delete", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

/* ───── Agent ───── */

// AgentClient: клиент PeerAgentAPI, которым координатор пушит конфиги.
type AgentClient struct{ c *Client }

var _ models.PeerAgentAPI = (*AgentClient)(nil)

func NewAgentClient(baseURL string, codec Codec, timeout time.Duration) *AgentClient {
	return &AgentClient{c: NewClient(baseURL, codec, timeout)}
}

func (a *AgentClient) Hello(ctx context.Context, req models.HelloRequest) (*models.HelloReply, error) {
	var out models.HelloReply
	if err := a.c.call(ctx, AgentPrefix+"/hello", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *AgentClient) UpdateConfig(ctx context.Context, req models.UpdateConfigRequest) (*models.UpdateConfigReply, error) {
	var out models.UpdateConfigReply
	if err := a.c.call(ctx, AgentPrefix+"/update-config", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AgentDialer адресует агента по http://endpoint:controlPort.
type AgentDialer struct {
	Codec   Codec
	Timeout time.Duration
	Scheme  string // http по умолчанию
}

func (d AgentDialer) Dial(id models.PeerID) models.PeerAgentAPI {
	scheme := d.Scheme
	if scheme == "" {
		scheme = "http"
	}
	base := scheme + "://" + net.JoinHostPort(id.Endpoint, strconv.Itoa(id.ControlPort))
	return NewAgentClient(base, d.Codec, d.Timeout)
}
