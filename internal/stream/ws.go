package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "stream")

// 信号源推送的消息
//
//	{"type":"signal","round_id":12,"predicted_multiplier":2.1,"confidence":0.7,
//	 "range_low":1.6,"range_high":2.8,"source_model":"lstm-v3"}
//	{"type":"outcome","round_id":11,"crash_multiplier":3.42,"duration_ms":6100}
type message struct {
	Type string `json:"type"`

	RoundID             int64   `json:"round_id"`
	PredictedMultiplier float64 `json:"predicted_multiplier"`
	Confidence          float64 `json:"confidence"`
	RangeLow            float64 `json:"range_low"`
	RangeHigh           float64 `json:"range_high"`
	SourceModel         string  `json:"source_model"`

	CrashMultiplier float64 `json:"crash_multiplier"`
	DurationMs      int64   `json:"duration_ms"`
	Timestamp       int64   `json:"timestamp"` // unix ms，可选
}

// WSOptions WebSocket 信号源参数
type WSOptions struct {
	URL            string
	Header         http.Header
	DialRetries    int           // 单次连接的重试次数（默认3）
	ReconnectDelay time.Duration // 断线后重连前的冷却（默认2s）
	PingInterval   time.Duration // 默认10s
	ReadTimeout    time.Duration // 默认30s
	Now            func() time.Time
}

// WSSource 通过 WebSocket 接收预测信号和轮次结果，断线后自动重连。
type WSSource struct {
	opts WSOptions

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	signals  chan domain.Signal
	outcomes chan domain.RoundOutcome

	reconnects int
}

func NewWSSource(opts WSOptions) *WSSource {
	if opts.DialRetries <= 0 {
		opts.DialRetries = 3
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &WSSource{
		opts:     opts,
		signals:  make(chan domain.Signal, 16),
		outcomes: make(chan domain.RoundOutcome, 64),
	}
}

// Signals 建立连接并开始读取。首次连接失败直接返回错误；之后的断线由内部重连处理。
// ctx 取消后信号通道关闭。
func (s *WSSource) Signals(ctx context.Context) (<-chan domain.Signal, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	go s.run(ctx, conn)
	return s.signals, nil
}

// Outcomes 轮次结果（随 Signals 一起开始推送）
func (s *WSSource) Outcomes() <-chan domain.RoundOutcome {
	return s.outcomes
}

// Reconnects 已发生的重连次数
func (s *WSSource) Reconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

func (s *WSSource) dialer() *websocket.Dialer {
	d := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if proxy := proxyFromEnv(); proxy != "" {
		if u, err := url.Parse(proxy); err == nil {
			d.Proxy = http.ProxyURL(u)
			log.Infof("使用环境变量代理连接信号源: %s", proxy)
		}
	}
	return d
}

func (s *WSSource) dial(ctx context.Context) (*websocket.Conn, error) {
	d := s.dialer()
	var lastErr error
	for i := 0; i < s.opts.DialRetries; i++ {
		if i > 0 {
			log.Infof("重试连接信号源 (第 %d/%d 次)...", i+1, s.opts.DialRetries)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i) * 200 * time.Millisecond):
			}
		}
		conn, _, err := d.DialContext(ctx, s.opts.URL, s.opts.Header)
		if err == nil {
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			log.Infof("📡 [Stream] 信号源已连接: %s", s.opts.URL)
			return conn, nil
		}
		lastErr = err
		log.Warnf("连接信号源失败 (尝试 %d/%d): %v", i+1, s.opts.DialRetries, err)
	}
	return nil, errors.Wrapf(domain.ErrChannelUnavailable, "dial %s: %v", s.opts.URL, lastErr)
}

func (s *WSSource) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.signals)
	defer close(s.outcomes)
	defer s.closeConn()

	go func() {
		<-ctx.Done()
		s.closeConn()
	}()

	for {
		err := s.readLoop(ctx, conn)
		if ctx.Err() != nil {
			log.Infof("信号源已停止")
			return
		}
		log.Warnf("⚠️ [Stream] 信号源断开: %v，%v 后重连", err, s.opts.ReconnectDelay)

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.opts.ReconnectDelay):
			}
			conn, err = s.dial(ctx)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
		}
		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()
	}
}

func (s *WSSource) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *WSSource) readLoop(ctx context.Context, conn *websocket.Conn) error {
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go s.pingLoop(pingCtx, conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch string(data) {
		case "PING":
			s.write(conn, "PONG")
			continue
		case "PONG":
			continue
		}
		if err := s.dispatch(ctx, data); err != nil {
			log.Debugf("忽略无法解析的消息: %v", err)
		}
	}
}

func (s *WSSource) write(conn *websocket.Conn, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (s *WSSource) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(conn, "PING"); err != nil {
				log.Debugf("发送 PING 失败: %v", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *WSSource) dispatch(ctx context.Context, data []byte) error {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	now := s.opts.Now()
	switch m.Type {
	case "signal":
		sig := domain.Signal{
			RoundID:             m.RoundID,
			PredictedMultiplier: m.PredictedMultiplier,
			Confidence:          m.Confidence,
			RangeLow:            m.RangeLow,
			RangeHigh:           m.RangeHigh,
			SourceModel:         m.SourceModel,
			ArrivalTime:         now,
		}
		// 信号必须送达；消费者停止后由 ctx 退出
		select {
		case s.signals <- sig:
		case <-ctx.Done():
		}
	case "outcome":
		if m.RoundID <= 0 || m.CrashMultiplier < domain.BaselineMultiplier {
			return errors.Errorf("outcome 字段非法: round_id=%d crash=%.2f", m.RoundID, m.CrashMultiplier)
		}
		ts := now
		if m.Timestamp > 0 {
			ts = time.UnixMilli(m.Timestamp)
		}
		out := domain.RoundOutcome{
			RoundID:         m.RoundID,
			CrashMultiplier: m.CrashMultiplier,
			Duration:        time.Duration(m.DurationMs) * time.Millisecond,
			Timestamp:       ts,
		}
		select {
		case s.outcomes <- out:
		default:
			log.WithField("round_id", m.RoundID).Warnf("结果通道已满，丢弃")
		}
	default:
		return errors.Errorf("未知消息类型 %q", m.Type)
	}
	return nil
}

// proxyFromEnv 从环境变量获取代理 URL
func proxyFromEnv() string {
	for _, v := range []string{"HTTPS_PROXY", "HTTP_PROXY", "https_proxy", "http_proxy"} {
		if proxy := strings.TrimSpace(os.Getenv(v)); proxy != "" {
			return proxy
		}
	}
	return ""
}
