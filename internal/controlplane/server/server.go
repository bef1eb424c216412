package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/betbot/crashbet/internal/engine"
	"github.com/betbot/crashbet/internal/ledger"
	"github.com/betbot/crashbet/pkg/config"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "controlplane")

// Engine 控制面需要的编排器能力
type Engine interface {
	Snapshot() engine.Snapshot
	Stop(reason string)
	Halted() <-chan struct{}
}

// Config 控制面依赖。Records 为空时 /api/records 返回快照中的最近记录。
type Config struct {
	Engine  Engine
	Records ledger.Reader
	Current func() *config.Config
}

type Server struct {
	cfg Config
}

func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	return &Server{cfg: cfg}, nil
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/records", s.handleRecords)
	api.GET("/config", s.handleConfig)
	api.POST("/stop", s.handleStop)
	return r
}

// Start 非阻塞启动，ctx.Done() 时优雅关闭
func (s *Server) Start(ctx context.Context, listenAddr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("控制面异常退出: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Infof("🎛️ 控制面已监听: %s", srv.Addr)
	return srv, nil
}

func (s *Server) halted() bool {
	select {
	case <-s.cfg.Engine.Halted():
		return true
	default:
		return false
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "halted": s.halted()})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Engine.Snapshot())
}

func (s *Server) handleRecords(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be in [1,1000]"})
			return
		}
		limit = n
	}

	if s.cfg.Records == nil {
		recent := s.cfg.Engine.Snapshot().Recent
		out := make([]domain.ExecutionRecord, 0, limit)
		for i := len(recent) - 1; i >= 0 && len(out) < limit; i-- {
			out = append(out, recent[i])
		}
		c.JSON(http.StatusOK, gin.H{"records": out})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	recs, err := s.cfg.Records.RecentRecords(ctx, limit)
	if err != nil {
		log.Warnf("读取执行记录失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []domain.ExecutionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (s *Server) handleConfig(c *gin.Context) {
	if s.cfg.Current == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "config not available"})
		return
	}
	cur := *s.cfg.Current()
	cur.Table.Token = ""
	c.JSON(http.StatusOK, cur)
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStop(c *gin.Context) {
	var req stopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
			return
		}
	}
	log.Warnf("🛑 控制面请求停止会话: reason=%q", req.Reason)
	s.cfg.Engine.Stop(req.Reason)
	c.JSON(http.StatusAccepted, gin.H{"stopping": true, "halted": s.halted()})
}
