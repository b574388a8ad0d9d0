// internal/api/router.go
package api

import (
	"time"

	"github.com/Corphon/AIWriter/internal/services"
	"github.com/Corphon/AIWriter/internal/utils"
	"github.com/gin-gonic/gin"
)

// Dependencies 路由需要的服务
type Dependencies struct {
	Novels      *services.NovelService
	Workflow    *services.WorkflowService
	Settings    *services.SettingsService
	Publishing  *services.PublishingService
	Models      ModelLister
	Loops       LoopStats
	Pool        PoolStats
	Hub         *StoryHub
	Metrics     *utils.MetricsCollector
	RateLimiter *RateLimiter
	DebugMode   bool
}

// SetupRouter 配置HTTP路由
func SetupRouter(deps Dependencies) *gin.Engine {
	if !deps.DebugMode && gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Hub == nil {
		deps.Hub = NewStoryHub()
	}
	if deps.RateLimiter == nil {
		deps.RateLimiter = NewRateLimiter(0)
	}

	handler := &Handler{
		Novels:     deps.Novels,
		Workflow:   deps.Workflow,
		Settings:   deps.Settings,
		Publishing: deps.Publishing,
		Models:     deps.Models,
		Loops:      deps.Loops,
		Pool:       deps.Pool,
		Hub:        deps.Hub,
		Metrics:    deps.Metrics,
		Response:   NewResponseHelper(),
		startedAt:  time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(deps.Metrics))
	r.Use(corsMiddleware())

	// WebSocket 推送写作事件
	r.GET("/ws/stories/:id", deps.Hub.ServeStory)

	api := r.Group("/api")
	api.Use(deps.RateLimiter.ByIP(300, time.Minute))
	{
		// ===============================
		// 小说相关路由
		// ===============================
		api.POST("/stories", handler.CreateStory)

		storyGroup := api.Group("/stories/:id")
		{
			storyGroup.GET("", handler.GetStory)
			storyGroup.PUT("", handler.UpdateStory)
			storyGroup.DELETE("", handler.DeleteStory)

			workflow := storyGroup.Group("/workflow")
			{
				workflow.POST("/status", handler.SetWorkflowStatus)
				workflow.GET("/progress", handler.GetWorkflowProgress)
				workflow.POST("/messages", handler.AddUserMessage)
				workflow.DELETE("/history", handler.ClearHistory)
				workflow.PUT("/history/:history_id", handler.UpdateHistory)
				workflow.DELETE("/history/:history_id", handler.DeleteHistory)
				workflow.POST("/history/:history_id/abstract", handler.RegenerateAbstract)
			}

			chapters := storyGroup.Group("/chapters")
			{
				chapters.GET("", handler.ListChapters)
				chapters.DELETE("", handler.ClearChapters)
				chapters.GET("/:chapter_id", handler.GetChapter)
				chapters.PUT("/:chapter_id", handler.UpdateChapter)
				chapters.DELETE("/:chapter_id", handler.DeleteChapter)
				chapters.POST("/:chapter_id/publish", handler.PublishChapter)
			}

			storyGroup.GET("/publish-jobs", handler.ListPublishJobs)
		}

		api.GET("/publish-jobs/:job_id", handler.GetPublishJob)
		api.GET("/platforms", handler.ListPlatforms)

		// ===============================
		// 用户相关路由
		// ===============================
		usersGroup := api.Group("/users/:user_id")
		usersGroup.Use(deps.RateLimiter.ByUser(120, time.Minute))
		{
			usersGroup.GET("/stories", handler.ListUserStories)
			usersGroup.GET("/settings", handler.GetSettings)
			usersGroup.PUT("/settings", handler.UpdateSettings)
			usersGroup.GET("/models", handler.ListModels)
			usersGroup.GET("/agents", handler.ListAgents)
			usersGroup.PUT("/agents", handler.ReplaceAgents)
			usersGroup.PUT("/agents/:agent_id", handler.SaveAgent)
			usersGroup.DELETE("/agents/:agent_id", handler.DeleteAgent)
			usersGroup.GET("/platform-accounts", handler.ListPlatformAccounts)
			usersGroup.POST("/platform-accounts", handler.CreatePlatformAccount)
			usersGroup.DELETE("/platform-accounts/:account_id", handler.DeletePlatformAccount)
		}

		api.GET("/system/status", handler.GetSystemStatus)
	}

	return r
}
