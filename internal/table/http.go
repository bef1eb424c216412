package table

import (
	"context"
	"strings"
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/pkg/config"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// HTTPTable 通过 HTTP 接口操作真实牌桌（由界面侧的桥接服务暴露）。
//
//	GET  /api/round       -> {"phase":"RUNNING","value":1.42,"round_id":12}
//	GET  /api/balance     -> {"balance":123.45}
//	POST /api/bet         {"stake":15}       -> {"accepted":true}
//	POST /api/cashout     {"method":"primary"} -> {"accepted":true}
//	GET  /api/bet/status  -> {"confirmed":true}
type HTTPTable struct {
	client  *resty.Client
	limiter *rate.Limiter
}

type roundResp struct {
	Phase   string  `json:"phase"`
	Value   float64 `json:"value"`
	RoundID int64   `json:"round_id"`
}

type balanceResp struct {
	Balance float64 `json:"balance"`
}

type acceptResp struct {
	Accepted bool `json:"accepted"`
}

type confirmResp struct {
	Confirmed bool `json:"confirmed"`
}

// NewHTTPTable 创建 HTTP 牌桌客户端。读写都不做自动重试：重试策略属于执行器。
func NewHTTPTable(cfg config.TableConfig) *HTTPTable {
	host := strings.TrimSuffix(cfg.URL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "crashbet")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	limit := rate.Inf
	burst := 1
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
		burst = int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
	}
	return &HTTPTable{client: client, limiter: rate.NewLimiter(limit, burst)}
}

func (t *HTTPTable) do(ctx context.Context, method, path string, body, out any) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return errors.Wrapf(domain.ErrChannelUnavailable, "%s %s: %v", method, path, err)
	}
	r := t.client.R().SetContext(ctx).SetResult(out)
	if body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := r.Execute(method, path)
	if err != nil {
		return errors.Wrapf(domain.ErrChannelUnavailable, "%s %s: %v", method, path, err)
	}
	if resp.IsError() {
		return errors.Wrapf(domain.ErrChannelUnavailable, "%s %s: status %d", method, path, resp.StatusCode())
	}
	return nil
}

func (t *HTTPTable) round(ctx context.Context) (roundResp, error) {
	var out roundResp
	err := t.do(ctx, resty.MethodGet, "/api/round", nil, &out)
	return out, err
}

func (t *HTTPTable) ReadValue(ctx context.Context) (float64, bool, error) {
	r, err := t.round(ctx)
	if err != nil {
		return 0, false, err
	}
	if domain.Phase(r.Phase) != domain.PhaseRunning || r.Value < domain.BaselineMultiplier {
		return 0, false, nil
	}
	return r.Value, true, nil
}

func (t *HTTPTable) Phase(ctx context.Context) (domain.Phase, error) {
	r, err := t.round(ctx)
	if err != nil {
		return domain.PhaseUnknown, err
	}
	switch p := domain.Phase(r.Phase); p {
	case domain.PhaseWaiting, domain.PhaseRunning:
		return p, nil
	default:
		return domain.PhaseUnknown, nil
	}
}

func (t *HTTPTable) ReadBalance(ctx context.Context) (float64, error) {
	var out balanceResp
	if err := t.do(ctx, resty.MethodGet, "/api/balance", nil, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

func (t *HTTPTable) SubmitEntry(ctx context.Context, stake float64) (bool, error) {
	var out acceptResp
	if err := t.do(ctx, resty.MethodPost, "/api/bet", map[string]any{"stake": stake}, &out); err != nil {
		return false, err
	}
	return out.Accepted, nil
}

func (t *HTTPTable) SubmitExit(ctx context.Context, method domain.ExitMethod) (bool, error) {
	var out acceptResp
	if err := t.do(ctx, resty.MethodPost, "/api/cashout", map[string]any{"method": string(method)}, &out); err != nil {
		return false, err
	}
	return out.Accepted, nil
}

func (t *HTTPTable) EntryConfirmed(ctx context.Context) (bool, error) {
	var out confirmResp
	if err := t.do(ctx, resty.MethodGet, "/api/bet/status", nil, &out); err != nil {
		return false, err
	}
	return out.Confirmed, nil
}
