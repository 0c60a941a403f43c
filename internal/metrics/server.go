package metrics

import (
	"context"
	"errors"
	"expvar"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/tradecore/internal/domain"
	"github.com/betbot/tradecore/internal/execution"
	"github.com/betbot/tradecore/internal/marketstate"
	"github.com/betbot/tradecore/internal/risk"
	"github.com/betbot/tradecore/pkg/ratelimit"
)

var log = logrus.WithField("component", "ops")

// SessionView 连接状态
type SessionView interface {
	State(group domain.ChannelGroup) domain.ConnectionState
	Channels() []domain.Channel
}

// StoreView 状态存储统计
type StoreView interface {
	Stats() marketstate.Stats
}

// Orders 下单入口
type Orders interface {
	ProposeOrder(ctx context.Context, p execution.Proposal) domain.Outcome
	RetryUnknown(ctx context.Context, intentID string) domain.Outcome
	CancelOrder(ctx context.Context, intentID string) error
	Intent(id string) (domain.OrderIntent, bool)
	Intents() []domain.OrderIntent
	Stats() execution.Stats
}

// ArchiveReader 归档查询
type ArchiveReader interface {
	Recent(ctx context.Context, symbol string, limit int) ([]*domain.OrderIntent, error)
}

// Sources ops 服务读取的组件，未配置的组件对应字段为 nil
type Sources struct {
	Session SessionView
	Store   StoreView
	Ledger  *ratelimit.Ledger
	Breaker *risk.CircuitBreaker
	Orders  Orders
	Archive ArchiveReader
}

// Router ops 路由：健康检查、状态、expvar、pprof 与下单入口
func Router(src Sources) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/readyz", func(c *gin.Context) {
		if src.Session == nil || !src.Session.State(domain.GroupPublic).Status.IsHealthy() {
			c.String(http.StatusServiceUnavailable, "not streaming")
			return
		}
		c.String(http.StatusOK, "ready")
	})
	r.GET("/status", src.handleStatus)

	r.GET("/debug/vars", gin.WrapH(expvar.Handler()))
	r.GET("/debug/pprof/", gin.WrapF(pprof.Index))
	r.GET("/debug/pprof/cmdline", gin.WrapF(pprof.Cmdline))
	r.GET("/debug/pprof/profile", gin.WrapF(pprof.Profile))
	r.GET("/debug/pprof/symbol", gin.WrapF(pprof.Symbol))
	r.GET("/debug/pprof/trace", gin.WrapF(pprof.Trace))

	if src.Orders != nil {
		api := r.Group("/api")
		api.POST("/orders/propose", src.handlePropose)
		intents := api.Group("/intents")
		intents.GET("", src.handleIntents)
		intents.GET("/archive", src.handleArchive)
		intents.GET("/:id", src.handleIntent)
		intents.POST("/:id/retry", src.handleRetry)
		intents.POST("/:id/cancel", src.handleCancel)
	}
	return r
}

func (s Sources) handleStatus(c *gin.Context) {
	out := gin.H{}
	if s.Session != nil {
		out["connections"] = []domain.ConnectionState{s.Session.State(domain.GroupPublic), s.Session.State(domain.GroupPrivate)}
		out["channels"] = s.Session.Channels()
	}
	if s.Ledger != nil {
		out["budget"] = s.Ledger.Snapshot()
	}
	if s.Breaker != nil {
		out["breaker"] = gin.H{"state": s.Breaker.State().String(), "consecutive_errors": s.Breaker.ConsecutiveErrors()}
	}
	if s.Store != nil {
		out["state_store"] = s.Store.Stats()
	}
	if s.Orders != nil {
		out["execution"] = s.Orders.Stats()
	}
	c.JSON(http.StatusOK, out)
}

// outcomeView Outcome 的 JSON 表示
func outcomeView(out domain.Outcome) gin.H {
	v := gin.H{"kind": out.Kind()}
	switch o := out.(type) {
	case domain.Submitted:
		v["intent_id"], v["order_id"] = o.IntentID, o.OrderID
	case domain.Skipped:
		v["reason"] = o.Reason
	case domain.Throttled:
		v["wait_ms"] = o.Wait.Milliseconds()
	case domain.Rejected:
		v["intent_id"], v["reason"] = o.IntentID, o.Reason
		if o.Err != nil {
			v["error"] = o.Err.Error()
		}
	case domain.Unknown:
		v["intent_id"] = o.IntentID
	}
	return v
}

func writeOutcome(c *gin.Context, out domain.Outcome) {
	ProposalOutcomes.Add(out.Kind(), 1)
	status := http.StatusOK
	switch o := out.(type) {
	case domain.Throttled:
		c.Header("Retry-After", strconv.Itoa(int(o.Wait.Round(time.Second)/time.Second)))
		status = http.StatusTooManyRequests
	case domain.Rejected:
		var verr *domain.ValidationError
		if errors.As(o.Err, &verr) {
			status = http.StatusUnprocessableEntity
		}
	case domain.Unknown:
		status = http.StatusAccepted
	}
	c.JSON(status, outcomeView(out))
}

func (s Sources) handlePropose(c *gin.Context) {
	var p execution.Proposal
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	writeOutcome(c, s.Orders.ProposeOrder(c.Request.Context(), p))
}

func (s Sources) handleRetry(c *gin.Context) {
	writeOutcome(c, s.Orders.RetryUnknown(c.Request.Context(), c.Param("id")))
}

func (s Sources) handleCancel(c *gin.Context) {
	err := s.Orders.CancelOrder(c.Request.Context(), c.Param("id"))
	var (
		verr *domain.ValidationError
		rl   *domain.RateLimitError
	)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"cancelled": c.Param("id")})
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.As(err, &rl):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error(), "wait_ms": rl.Wait.Milliseconds()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

func (s Sources) handleIntents(c *gin.Context) {
	c.JSON(http.StatusOK, s.Orders.Intents())
}

func (s Sources) handleIntent(c *gin.Context) {
	it, ok := s.Orders.Intent(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "intent not found"})
		return
	}
	c.JSON(http.StatusOK, it)
}

func (s Sources) handleArchive(c *gin.Context) {
	if s.Archive == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "archive disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	out, err := s.Archive.Recent(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

// StartAsync 启动 ops 服务（非阻塞），ctx.Done() 时优雅关闭。
// 建议仅监听 localhost 或内网
func StartAsync(ctx context.Context, listenAddr string, src Sources) (*http.Server, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	s := &http.Server{
		Addr:              listenAddr,
		Handler:           Router(src),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("ops 服务异常退出: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	log.Infof("📈 ops 服务已启动: http://%s", ln.Addr())
	return s, nil
}
