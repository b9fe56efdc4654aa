// Package coordinator 协调方一侧访问远程参与方的HTTP客户端
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"FogMPC/pkg/config"
	"FogMPC/pkg/core/threshold"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// RemoteParticipant 通过HTTP访问的参与方，实现 threshold.Participant
type RemoteParticipant struct {
	index     int
	baseURL   string
	client    *http.Client
	transport config.RetryConfig
}

// StatusError 参与方返回的非200响应，不重试
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

// NewRemoteParticipant 创建远程参与方客户端。transport 只管单个HTTP请求的传输层重试，
// 与门限解密整轮的 QuorumNotReached 重试相互独立
func NewRemoteParticipant(index int, baseURL string, client *http.Client, transport config.RetryConfig) *RemoteParticipant {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if transport.Attempts < 1 {
		transport.Attempts = 1
	}
	return &RemoteParticipant{index: index, baseURL: baseURL, client: client, transport: transport}
}

// Index 参与方编号
func (rp *RemoteParticipant) Index() int {
	return rp.index
}

// URL 参与方地址
func (rp *RemoteParticipant) URL() string {
	return rp.baseURL
}

// Acknowledge 第一轮
func (rp *RemoteParticipant) Acknowledge(ctx context.Context, req *threshold.AckRequest) error {
	return rp.post(ctx, "/ack", req, nil)
}

// PartialDecrypt 第二轮
func (rp *RemoteParticipant) PartialDecrypt(ctx context.Context, req *threshold.PartialRequest) (*threshold.Contribution, error) {
	var c threshold.Contribution
	if err := rp.post(ctx, "/partial_decrypt", req, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Retire 通知参与方丢弃请求状态
func (rp *RemoteParticipant) Retire(ctx context.Context, requestID string) error {
	return rp.post(ctx, "/retire", map[string]string{"request_id": requestID}, nil)
}

// Health 查询参与方健康状态
func (rp *RemoteParticipant) Health(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := rp.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

func (rp *RemoteParticipant) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return xerrors.Errorf("序列化请求失败: %v", err)
	}
	return rp.do(ctx, http.MethodPost, path, data, out)
}

// do 发送请求。传输层错误按配置重试，业务错误直接返回
func (rp *RemoteParticipant) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	url := rp.baseURL + path
	var lastErr error
	for attempt := 1; attempt <= rp.transport.Attempts; attempt++ {
		err := rp.once(ctx, method, url, body, out)
		if err == nil {
			return nil
		}
		var se *StatusError
		if xerrors.As(err, &se) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		if attempt == rp.transport.Attempts {
			break
		}
		log.Debug().Int("participant", rp.index).Int("attempt", attempt).Err(err).Msgf("请求 %s 失败，正在重试", url)
		select {
		case <-time.After(rp.transport.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return xerrors.Errorf("请求 %s 失败，已重试%d次: %w", url, rp.transport.Attempts, lastErr)
}

func (rp *RemoteParticipant) once(ctx context.Context, method, url string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return xerrors.Errorf("构造请求失败: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := rp.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Errorf("解析响应失败: %v", err)
	}
	return nil
}
