// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Corphon/AIWriter/internal/api"
	"github.com/Corphon/AIWriter/internal/browser"
	"github.com/Corphon/AIWriter/internal/config"
	"github.com/Corphon/AIWriter/internal/di"
	"github.com/Corphon/AIWriter/internal/llm"
	"github.com/Corphon/AIWriter/internal/models"
	"github.com/Corphon/AIWriter/internal/services"
	"github.com/Corphon/AIWriter/internal/storage"
	"github.com/Corphon/AIWriter/internal/utils"
)

// ShutdownTimeout 优雅关闭的最长等待时间
const ShutdownTimeout = 30 * time.Second

// Server 可启动和优雅关闭的HTTP服务
type Server interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// App 进程级装配：配置、服务容器和HTTP服务
type App struct {
	config    *config.Config
	pipeline  config.PipelineConfig
	container *di.Container
	router    http.Handler
	server    Server
	limiter   *api.RateLimiter
	stopChan  chan os.Signal

	shutdownOnce sync.Once
	shutdownErr  error
	logger       *utils.Logger
}

// Options 替换默认组件，测试时使用
type Options struct {
	Driver browser.Driver
}

// New 加载流水线配置并按依赖顺序创建所有服务
func New(cfg *config.Config, opts Options) (*App, error) {
	if err := utils.InitLogger(filepath.Join(cfg.LogDir, "aiwriter.log")); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	if cfg.DebugMode {
		utils.GetLogger().SetLogLevel(utils.DEBUG)
	}

	pipelineCfg, err := config.LoadPipelineConfig(cfg.PipelineFile())
	if err != nil {
		return nil, err
	}
	platforms, err := config.LoadPlatforms(cfg.PlatformsFile())
	if err != nil {
		return nil, err
	}

	a := &App{
		config:    cfg,
		pipeline:  pipelineCfg,
		container: di.NewContainer(),
		stopChan:  make(chan os.Signal, 1),
		logger:    utils.GetLogger(),
	}
	if opts.Driver == nil {
		opts.Driver = browser.NewPlaywrightDriver(cfg.BrowserHeadless, cfg.CookieFile)
	}
	if err := a.initServices(platforms, opts.Driver); err != nil {
		return nil, err
	}

	a.limiter = api.NewRateLimiter(time.Hour)
	a.router = api.SetupRouter(a.dependencies())
	a.server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// initServices 注册顺序即依赖顺序
func (a *App) initServices(platforms []models.Platform, driver browser.Driver) error {
	c := a.container
	metrics := utils.GetMetricsCollector()

	store, err := storage.NewStore(a.config.DataDir)
	if err != nil {
		return fmt.Errorf("初始化存储失败: %w", err)
	}
	c.Register(di.Store, store)

	catalog := services.NewPlatformCatalog(platforms)
	settings := services.NewSettingsService(store, catalog, a.config.SecretKey)
	c.Register(di.Settings, settings)

	gen := a.pipeline.Generation
	client := llm.NewClient(settings,
		llm.WithTimeout(a.config.GenerationTimeout),
		llm.WithRetryPolicy(llm.RetryPolicy{MaxRetries: gen.MaxRetries, EmptyBackoff: gen.EmptyBackoff}),
		llm.WithSampling(llm.Sampling{
			Temperature:      gen.Temperature,
			TopP:             gen.TopP,
			FrequencyPenalty: gen.FrequencyPenalty,
			PresencePenalty:  gen.PresencePenalty,
		}),
		llm.WithMetrics(metrics),
	)
	c.Register(di.Generator, client)

	pool := browser.NewPool(driver, a.pipeline.Browser.EvictInterval)
	c.Register(di.BrowserPool, pool)

	hub := api.NewStoryHub()
	c.Register(di.EventHub, hub)

	orchestrator := services.NewOrchestrator(store, client, hub, services.OrchestratorOptionsFrom(a.pipeline))
	c.Register(di.Orchestrator, orchestrator)

	jobs := services.NewJobTracker(hub)
	c.Register(di.PublishJobs, jobs)

	publishing := services.NewPublishingService(store, settings, catalog, pool, jobs)
	orchestrator.SetChapterListener(publishing)
	c.Register(di.Publishing, publishing)

	c.Register(di.Workflow, services.NewWorkflowService(store, orchestrator, client, hub))
	c.Register(di.Novels, services.NewNovelService(store, orchestrator))

	a.logger.Info("服务初始化完成", map[string]interface{}{
		"services":  len(c.GetNames()),
		"platforms": len(platforms),
	})
	return nil
}

func (a *App) dependencies() api.Dependencies {
	c := a.container
	return api.Dependencies{
		Novels:      di.MustResolve[*services.NovelService](c, di.Novels),
		Workflow:    di.MustResolve[*services.WorkflowService](c, di.Workflow),
		Settings:    di.MustResolve[*services.SettingsService](c, di.Settings),
		Publishing:  di.MustResolve[*services.PublishingService](c, di.Publishing),
		Models:      di.MustResolve[*llm.Client](c, di.Generator),
		Loops:       di.MustResolve[*services.Orchestrator](c, di.Orchestrator),
		Pool:        di.MustResolve[*browser.Pool](c, di.BrowserPool),
		Hub:         di.MustResolve[*api.StoryHub](c, di.EventHub),
		Metrics:     utils.GetMetricsCollector(),
		RateLimiter: a.limiter,
		DebugMode:   a.config.DebugMode,
	}
}

// Container 服务容器
func (a *App) Container() *di.Container {
	return a.container
}

// Handler HTTP处理器
func (a *App) Handler() http.Handler {
	return a.router
}

// Run 恢复写作循环、启动HTTP服务，收到 SIGINT/SIGTERM 后优雅关闭
func (a *App) Run() error {
	workflow := di.MustResolve[*services.WorkflowService](a.container, di.Workflow)
	resumed, err := workflow.ResumeWriting()
	if err != nil {
		a.logger.Error("恢复写作循环失败", map[string]interface{}{"error": err.Error()})
	} else if resumed > 0 {
		a.logger.Info("已恢复写作循环", map[string]interface{}{"count": resumed})
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP服务启动", map[string]interface{}{"port": a.config.Port})
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	signal.Notify(a.stopChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(a.stopChan)

	var runErr error
	select {
	case sig := <-a.stopChan:
		a.logger.Info("收到退出信号", map[string]interface{}{"signal": sig.String()})
	case runErr = <-serveErr:
		a.logger.Error("HTTP服务异常退出", map[string]interface{}{"error": runErr.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown 依次关闭HTTP、写作循环、自动发布、页面池和存储。多次调用只执行一次。
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		var errs []error
		c := a.container

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("关闭HTTP服务: %w", err))
			}
		}
		if o, err := di.Resolve[*services.Orchestrator](c, di.Orchestrator); err == nil {
			if err := o.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("停止写作循环: %w", err))
			}
		}
		if p, err := di.Resolve[*services.PublishingService](c, di.Publishing); err == nil {
			if err := p.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("停止自动发布: %w", err))
			}
		}
		if pool, err := di.Resolve[*browser.Pool](c, di.BrowserPool); err == nil {
			if err := pool.Close(); err != nil {
				errs = append(errs, fmt.Errorf("关闭浏览器: %w", err))
			}
		}
		if hub, err := di.Resolve[*api.StoryHub](c, di.EventHub); err == nil {
			hub.Close()
		}
		if a.limiter != nil {
			a.limiter.Close()
		}
		if store, err := di.Resolve[*storage.Store](c, di.Store); err == nil {
			store.Close()
		}

		a.shutdownErr = errors.Join(errs...)
		if a.shutdownErr != nil {
			a.logger.Error("关闭过程中出现错误", map[string]interface{}{"error": a.shutdownErr.Error()})
		} else {
			a.logger.Info("服务已关闭", nil)
		}
	})
	return a.shutdownErr
}
