package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"pricetracker/internal/api/middleware"
	"pricetracker/internal/config"
	"pricetracker/internal/model"
	"pricetracker/internal/pkg/taskstate"
	"pricetracker/internal/scheduler"
	"pricetracker/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 写请求只负责提交任务，抓取由 worker 进程执行。
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	prices PriceReader
	tasks  TaskSubmitter
	rdb    *redis.Client
	router *gin.Engine
}

// PriceReader 是 API 依赖的只读价格查询。
type PriceReader interface {
	Ping(ctx context.Context) error
	CurrentPrice(ctx context.Context, productID uint) (*model.Price, error)
	ListModels(ctx context.Context) ([]model.ProductModel, error)
	ModelHistory(ctx context.Context, modelID uint) (string, []store.HistoryPoint, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// TaskSubmitter 提交任务并查询状态。
type TaskSubmitter interface {
	EnqueueFullSweep(ctx context.Context, target string) (string, error)
	EnqueueSingleProduct(ctx context.Context, platform string, nativeID string) (string, bool, error)
	Status(ctx context.Context, taskID string) (*taskstate.Task, error)
}

// NewServer 初始化 Gin 路由。
//
// rdb 仅用于健康检查，可以为 nil。
func NewServer(cfg *config.Config, logger *slog.Logger, prices PriceReader, tasks TaskSubmitter, rdb *redis.Client) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:    cfg,
		logger: logger,
		prices: prices,
		tasks:  tasks,
		rdb:    rdb,
		router: r,
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/stats", s.handleStats)
	s.router.GET("/models", s.handleListModels)
	s.router.GET("/models/:id/history", s.handleModelHistory)
	s.router.GET("/products/:id/price", s.handleCurrentPrice)
	s.router.GET("/tasks/:id", s.handleTaskStatus)

	authed := s.router.Group("/")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))
	authed.POST("/tasks/scrape", s.handleScrapeAll)
	authed.POST("/tasks/scrape/product", s.handleScrapeProduct)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.prices == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.prices.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "database"})
		return
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "redis"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type scrapeRequest struct {
	Target string `json:"target"`
}

type scrapeProductRequest struct {
	Platform string `json:"platform" binding:"required"`
	NativeID string `json:"native_id" binding:"required"`
}

// handleScrapeAll 提交全平台或单平台扫描任务。
func (s *Server) handleScrapeAll(c *gin.Context) {
	var req scrapeRequest
	// 空 body 等同于 target=all；chunked 请求的 ContentLength 为 -1，也要解析
	if c.Request.Body != nil && c.Request.Body != http.NoBody {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	taskID, err := s.tasks.EnqueueFullSweep(c.Request.Context(), req.Target)
	if err != nil {
		s.writeEnqueueError(c, err)
		return
	}
	s.logger.Info("scrape task accepted",
		slog.String("task_id", taskID),
		slog.String("target", req.Target),
		slog.String("operator", middleware.Subject(c)))
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "task_id": taskID, "operator": middleware.Subject(c)})
}

// handleScrapeProduct 提交单品即时抓取。
func (s *Server) handleScrapeProduct(c *gin.Context) {
	var req scrapeProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "platform and native_id are required"})
		return
	}

	taskID, dup, err := s.tasks.EnqueueSingleProduct(c.Request.Context(), req.Platform, req.NativeID)
	if err != nil {
		s.writeEnqueueError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "task_id": taskID, "deduplicated": dup})
}

func (s *Server) writeEnqueueError(c *gin.Context, err error) {
	if errors.Is(err, scheduler.ErrUnsupportedPlatform) || errors.Is(err, scheduler.ErrInvalidTask) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.logger.Error("enqueue task failed", slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	task, err := s.tasks.Status(c.Request.Context(), c.Param("id"))
	if errors.Is(err, taskstate.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		s.logger.Error("get task status failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleCurrentPrice(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	price, err := s.prices.CurrentPrice(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "price not found"})
		return
	}
	if err != nil {
		s.logger.Error("get current price failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"product_id":  price.ProductID,
		"platform_id": price.PlatformID,
		"price":       price.Amount.StringFixed(2),
		"url":         price.URL,
		"updated_at":  price.UpdatedAt.In(s.cfg.Location()),
	})
}

type modelResponse struct {
	ID       uint   `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

func (s *Server) handleListModels(c *gin.Context) {
	models, err := s.prices.ListModels(c.Request.Context())
	if err != nil {
		s.logger.Error("list models failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	resp := make([]modelResponse, 0, len(models))
	for _, m := range models {
		resp = append(resp, modelResponse{ID: m.ID, Name: m.Name, Category: m.Category})
	}
	c.JSON(http.StatusOK, resp)
}

type historyPoint struct {
	Date     string  `json:"date"`
	Price    float64 `json:"price"`
	Platform string  `json:"platform"`
}

func (s *Server) handleModelHistory(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	name, points, err := s.prices.ModelHistory(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "model not found"})
		return
	}
	if err != nil {
		s.logger.Error("get model history failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	loc := s.cfg.Location()
	history := make([]historyPoint, 0, len(points))
	for _, p := range points {
		history = append(history, historyPoint{
			Date:     p.RecordedAt.In(loc).Format(time.DateOnly),
			Price:    p.Amount.InexactFloat64(),
			Platform: p.Platform,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"model_id":   id,
		"model_name": name,
		"history":    history,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	st, err := s.prices.Stats(c.Request.Context())
	if err != nil {
		s.logger.Error("get stats failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	platforms := st.ActivePlatforms
	if platforms == nil {
		platforms = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"total_models":        st.TotalModels,
		"total_products":      st.TotalProducts,
		"total_price_records": st.TotalPriceRecords,
		"total_history_rows":  st.TotalHistoryRows,
		"active_platforms":    platforms,
		"server_time":         time.Now().In(s.cfg.Location()),
	})
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}
