// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/Corphon/AIWriter/internal/browser"
	apperrors "github.com/Corphon/AIWriter/internal/errors"
	"github.com/Corphon/AIWriter/internal/llm"
	"github.com/Corphon/AIWriter/internal/models"
	"github.com/Corphon/AIWriter/internal/services"
	"github.com/Corphon/AIWriter/internal/utils"
	"github.com/gin-gonic/gin"
)

// ModelLister 透传上游模型列表
type ModelLister interface {
	ListModels(ctx context.Context, userID string) ([]byte, error)
}

// LoopStats 写作循环统计
type LoopStats interface {
	ActiveCount() int
}

// PoolStats 浏览器资源池统计
type PoolStats interface {
	Stats() browser.PoolStats
}

// Handler 处理API请求
type Handler struct {
	Novels     *services.NovelService      // 小说与章节
	Workflow   *services.WorkflowService   // 状态触发与历史
	Settings   *services.SettingsService   // 用户设置、智能体、平台账号
	Publishing *services.PublishingService // 章节发布
	Models     ModelLister
	Loops      LoopStats
	Pool       PoolStats
	Hub        *StoryHub
	Metrics    *utils.MetricsCollector
	Response   *ResponseHelper
	startedAt  time.Time
}

// ---- 请求结构 ----

// StatusRequest 修改故事状态
type StatusRequest struct {
	Status models.StoryStatus `json:"status" binding:"required"`
}

// MessageRequest 用户手写的历史条目
type MessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// AgentsRequest 替换整条流水线
type AgentsRequest struct {
	Agents []*models.Agent `json:"agents" binding:"required"`
}

// ---- 小说 ----

// CreateStory 新建小说
func (h *Handler) CreateStory(c *gin.Context) {
	var req services.CreateStoryInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	story, err := h.Novels.CreateStory(req)
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Created(c, story, "小说创建成功")
}

// GetStory 获取小说及统计
func (h *Handler) GetStory(c *gin.Context) {
	summary, err := h.Novels.GetStory(c.Param("id"))
	if err != nil {
		h.Response.HandleError(c, err, notFoundCode(err, ErrorStoryNotFound))
		return
	}
	h.Response.Success(c, summary)
}

// UpdateStory 修改标题、简介和发布绑定
func (h *Handler) UpdateStory(c *gin.Context) {
	var req services.StoryUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	story, err := h.Novels.UpdateStory(c.Param("id"), req)
	if err != nil {
		h.Response.HandleError(c, err, notFoundCode(err, ErrorStoryNotFound))
		return
	}
	h.Response.Success(c, story, "小说已更新")
}

// DeleteStory 删除小说，运行中的循环先停止
func (h *Handler) DeleteStory(c *gin.Context) {
	if err := h.Novels.DeleteStory(c.Param("id")); err != nil {
		h.Response.HandleError(c, err, notFoundCode(err, ErrorStoryNotFound))
		return
	}
	h.Response.Success(c, nil, "小说已删除")
}

// ListUserStories 列出用户的小说
func (h *Handler) ListUserStories(c *gin.Context) {
	stories, err := h.Novels.ListStories(c.Param("user_id"))
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, stories)
}

// ---- 写作流程 ----

// SetWorkflowStatus 状态触发器：Writing 启动循环，其余状态停止
func (h *Handler) SetWorkflowStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	story, err := h.Workflow.SetStatus(c.Param("id"), req.Status)
	if err != nil {
		code := notFoundCode(err, ErrorStoryNotFound)
		if apperrors.IsValidationError(err) {
			code = ErrorInvalidStatus
		}
		h.Response.HandleError(c, err, code)
		return
	}
	h.Response.Success(c, story, "状态已更新")
}

// GetWorkflowProgress 最近的历史与循环状态
func (h *Handler) GetWorkflowProgress(c *gin.Context) {
	progress, err := h.Workflow.Progress(c.Param("id"))
	if err != nil {
		h.Response.HandleError(c, err, notFoundCode(err, ErrorStoryNotFound))
		return
	}
	h.Response.Success(c, progress)
}

// AddUserMessage 插入用户手写的历史
func (h *Handler) AddUserMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	entry, err := h.Workflow.AddUserMessage(c.Param("id"), req.Content)
	if err != nil {
		h.Response.HandleError(c, err, notFoundCode(err, ErrorStoryNotFound))
		return
	}
	h.Response.Created(c, entry, "消息已添加")
}

// UpdateHistory 编辑历史条目内容
func (h *Handler) UpdateHistory(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	entry, err := h.Workflow.UpdateHistory(c.Param("id"), c.Param("history_id"), req.Content)
	if err != nil {
		h.Response.HandleError(c, err, notFoundCode(err, ErrorHistoryNotFound))
		return
	}
	h.Response.Success(c, entry, "历史已更新")
}

// DeleteHistory 删除单条历史
func (h *Handler) DeleteHistory(c *gin.Context) {
	if err := h.Workflow.DeleteHistory(c.Param("id"), c.Param("history_id")); err != nil {
		h.Response.HandleError(c, err, notFoundCode(err, ErrorHistoryNotFound))
		return
	}
	h.Response.Success(c, nil, "历史已删除")
}

// RegenerateAbstract 用总结智能体重新生成摘要
func (h *Handler) RegenerateAbstract(c *gin.Context) {
	entry, err := h.Workflow.RegenerateAbstract(c.Request.Context(), c.Param("id"), c.Param("history_id"))
	if err != nil {
		h.Response.HandleError(c, err, notFoundCode(err, ErrorHistoryNotFound))
		return
	}
	h.Response.Success(c, entry, "摘要已重新生成")
}

// ClearHistory 清空历史，写作中拒绝
func (h *Handler) ClearHistory(c *gin.Context) {
	if err := h.Workflow.ClearHistory(c.Param("id")); err != nil {
		h.Response.HandleError(c, err, conflictCode(err))
		return
	}
	h.Response.Success(c, nil, "历史已清空")
}

// ---- 章节 ----

// ListChapters 按顺序列出章节
func (h *Handler) ListChapters(c *gin.Context) {
	chapters, err := h.Novels.ListChapters(c.Param("id"))
	if err != nil {
		h.Response.HandleError(c, err, notFoundCode(err, ErrorStoryNotFound))
		return
	}
	h.Response.Success(c, chapters)
}

// GetChapter 获取单个章节
func (h *Handler) GetChapter(c *gin.Context) {
	chapter, err := h.Novels.GetChapter(c.Param("id"), c.Param("chapter_id"))
	if err != nil {
		h.Response.HandleError(c, err, notFoundCode(err, ErrorChapterNotFound))
		return
	}
	h.Response.Success(c, chapter)
}

// UpdateChapter 手动修订章节
func (h *Handler) UpdateChapter(c *gin.Context) {
	var req services.ChapterUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	chapter, err := h.Novels.UpdateChapter(c.Param("id"), c.Param("chapter_id"), req)
	if err != nil {
		h.Response.HandleError(c, err, notFoundCode(err, ErrorChapterNotFound))
		return
	}
	h.Response.Success(c, chapter, "章节已更新")
}

// DeleteChapter 删除单个章节
func (h *Handler) DeleteChapter(c *gin.Context) {
	if err := h.Novels.DeleteChapter(c.Param("id"), c.Param("chapter_id")); err != nil {
		h.Response.HandleError(c, err, notFoundCode(err, ErrorChapterNotFound))
		return
	}
	h.Response.Success(c, nil, "章节已删除")
}

// ClearChapters 清空章节，写作中拒绝
func (h *Handler) ClearChapters(c *gin.Context) {
	if err := h.Workflow.ClearChapters(c.Param("id")); err != nil {
		h.Response.HandleError(c, err, conflictCode(err))
		return
	}
	h.Response.Success(c, nil, "章节已清空")
}

// ---- 发布 ----

// PublishChapter 同步发布一个章节并返回任务结果
func (h *Handler) PublishChapter(c *gin.Context) {
	job, err := h.Publishing.PublishChapter(c.Request.Context(), c.Param("id"), c.Param("chapter_id"))
	if err != nil {
		code := notFoundCode(err, ErrorChapterNotFound)
		if apperrors.IsExternalError(err) {
			code = ErrorPublishFailed
		}
		h.Response.HandleError(c, err, code)
		return
	}
	h.Response.Success(c, job, "章节已发布")
}

// ListPublishJobs 列出某部小说的发布任务
func (h *Handler) ListPublishJobs(c *gin.Context) {
	h.Response.Success(c, h.Publishing.Jobs().List(c.Param("id")))
}

// GetPublishJob 查询单个发布任务
func (h *Handler) GetPublishJob(c *gin.Context) {
	job, ok := h.Publishing.Jobs().Get(c.Param("job_id"))
	if !ok {
		h.Response.NotFound(c, "发布任务")
		return
	}
	h.Response.Success(c, job)
}

// ListPlatforms 已配置的发布平台
func (h *Handler) ListPlatforms(c *gin.Context) {
	h.Response.Success(c, h.Settings.Platforms())
}

// ---- 用户设置 ----

// GetSettings 返回用户的AI代理配置
func (h *Handler) GetSettings(c *gin.Context) {
	view, err := h.Settings.GetSettings(c.Param("user_id"))
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, view)
}

// UpdateSettings 保存AI代理地址和密钥
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req services.SettingsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	view, err := h.Settings.UpdateSettings(c.Param("user_id"), req)
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, view, "设置已保存")
}

// ListModels 透传上游的模型列表
func (h *Handler) ListModels(c *gin.Context) {
	body, err := h.Models.ListModels(c.Request.Context(), c.Param("user_id"))
	switch {
	case errors.Is(err, llm.ErrNotConfigured):
		h.Response.Error(c, http.StatusUnprocessableEntity, ErrorAINotConfigured, err.Error())
		return
	case err != nil:
		h.Response.Error(c, http.StatusBadGateway, ErrorModelListFailed, "获取模型列表失败", err.Error())
		return
	}

	if !json.Valid(body) {
		h.Response.Error(c, http.StatusBadGateway, ErrorModelListFailed, "上游返回的不是JSON")
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

// ListAgents 列出流水线智能体
func (h *Handler) ListAgents(c *gin.Context) {
	agents, err := h.Settings.ListAgents(c.Param("user_id"))
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, agents)
}

// ReplaceAgents 整体替换流水线
func (h *Handler) ReplaceAgents(c *gin.Context) {
	var req AgentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	agents, err := h.Settings.ReplaceAgents(c.Param("user_id"), req.Agents)
	if err != nil {
		code := ""
		if apperrors.IsValidationError(err) {
			code = ErrorInvalidAgents
		}
		h.Response.HandleError(c, err, code)
		return
	}
	h.Response.Success(c, agents, "智能体已保存")
}

// SaveAgent 新建或更新单个智能体，ID 取自路径
func (h *Handler) SaveAgent(c *gin.Context) {
	var agent models.Agent
	if err := c.ShouldBindJSON(&agent); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}
	agent.ID = c.Param("agent_id")

	saved, err := h.Settings.SaveAgent(c.Param("user_id"), &agent)
	if err != nil {
		code := ""
		if apperrors.IsValidationError(err) {
			code = ErrorInvalidAgents
		}
		h.Response.HandleError(c, err, code)
		return
	}
	h.Response.Success(c, saved, "智能体已保存")
}

// DeleteAgent 删除单个智能体
func (h *Handler) DeleteAgent(c *gin.Context) {
	if err := h.Settings.DeleteAgent(c.Param("user_id"), c.Param("agent_id")); err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, nil, "智能体已删除")
}

// ListPlatformAccounts 列出平台账号，不含密码
func (h *Handler) ListPlatformAccounts(c *gin.Context) {
	accounts, err := h.Settings.ListPlatformAccounts(c.Param("user_id"))
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, accounts)
}

// CreatePlatformAccount 新增平台账号
func (h *Handler) CreatePlatformAccount(c *gin.Context) {
	var req services.PlatformAccountInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	account, err := h.Settings.CreatePlatformAccount(c.Param("user_id"), req)
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Created(c, account, "账号已添加")
}

// DeletePlatformAccount 删除平台账号
func (h *Handler) DeletePlatformAccount(c *gin.Context) {
	if err := h.Settings.DeletePlatformAccount(c.Param("user_id"), c.Param("account_id")); err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, nil, "账号已删除")
}

// ---- 系统 ----

// GetSystemStatus 运行状态和指标快照
func (h *Handler) GetSystemStatus(c *gin.Context) {
	status := gin.H{
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
	}
	if h.Loops != nil {
		status["active_loops"] = h.Loops.ActiveCount()
	}
	if h.Pool != nil {
		status["browser_pool"] = h.Pool.Stats()
	}
	if h.Hub != nil {
		status["websocket_clients"] = h.Hub.ClientCount("")
	}
	if h.Metrics != nil {
		status["metrics"] = h.Metrics.GetMetrics()
	}
	h.Response.Success(c, status)
}

// notFoundCode 未找到时使用更具体的错误代码
func notFoundCode(err error, code string) string {
	if apperrors.IsNotFoundError(err) {
		return code
	}
	return ""
}

func conflictCode(err error) string {
	if apperrors.IsConflictError(err) {
		return ErrorWorkflowRunning
	}
	return notFoundCode(err, ErrorStoryNotFound)
}
