// internal/services/workflow_service.go
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	apperrors "github.com/Corphon/AIWriter/internal/errors"
	"github.com/Corphon/AIWriter/internal/llm"
	"github.com/Corphon/AIWriter/internal/models"
	"github.com/Corphon/AIWriter/internal/pipeline"
	"github.com/Corphon/AIWriter/internal/storage"
	"github.com/Corphon/AIWriter/internal/utils"
)

const (
	// ProgressHistoryLimit 进度接口返回的最近历史条数
	ProgressHistoryLimit = 20
	// shortEditLimit 手动编辑后内容短于此长度时，摘要直接使用内容
	shortEditLimit = 2000
	userAuthorName = "用户"
)

// LoopController 写作循环的启停
type LoopController interface {
	Start(storyID string) bool
	Stop(storyID string) bool
	Running(storyID string) bool
}

// WorkflowProgress 写作进度
type WorkflowProgress struct {
	StoryID      string               `json:"story_id"`
	Status       models.StoryStatus   `json:"status"`
	Running      bool                 `json:"running"`
	ChapterCount int                  `json:"chapter_count"`
	History      []models.HistoryView `json:"history"`
}

// WorkflowService 故事状态触发器和历史管理
type WorkflowService struct {
	store  *storage.Store
	loops  LoopController
	gen    Generator
	events EventSink
	logger *utils.Logger
}

// NewWorkflowService 创建工作流服务
func NewWorkflowService(store *storage.Store, loops LoopController, gen Generator, events EventSink) *WorkflowService {
	return &WorkflowService{
		store:  store,
		loops:  loops,
		gen:    gen,
		events: events,
		logger: utils.GetLogger(),
	}
}

func storeError(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.NewNotFoundError(what+"不存在", err)
	}
	return apperrors.WrapError(err, what+"操作失败", apperrors.ErrorTypeError)
}

// SetStatus 保存状态后启动或停止写作循环
func (s *WorkflowService) SetStatus(storyID string, status models.StoryStatus) (*models.Story, error) {
	if !status.Valid() {
		return nil, apperrors.NewValidationError("无效的故事状态: "+string(status), nil)
	}

	story, err := s.store.UpdateStory(storyID, func(st *models.Story) error {
		st.Status = status
		return nil
	})
	if err != nil {
		return nil, storeError(err, "故事")
	}

	if status == models.StatusWriting {
		s.loops.Start(storyID)
	} else {
		s.loops.Stop(storyID)
	}

	s.logger.Info("故事状态已更新", map[string]interface{}{"story_id": storyID, "status": status})
	s.publish(models.EventStatus, storyID, map[string]interface{}{"status": status})
	return story, nil
}

// ResumeWriting 进程启动时恢复所有处于 Writing 状态的故事，返回恢复数量
func (s *WorkflowService) ResumeWriting() (int, error) {
	stories, err := s.store.ListStories("")
	if err != nil {
		return 0, apperrors.NewProcessingError("读取故事列表失败", err)
	}
	resumed := 0
	for _, story := range stories {
		if story.Status == models.StatusWriting && s.loops.Start(story.ID) {
			resumed++
		}
	}
	return resumed, nil
}

// Progress 状态加最近的历史
func (s *WorkflowService) Progress(storyID string) (*WorkflowProgress, error) {
	story, err := s.store.GetStory(storyID)
	if err != nil {
		return nil, storeError(err, "故事")
	}

	history, err := s.store.ListHistory(storyID)
	if err != nil {
		return nil, storeError(err, "历史")
	}
	chapters, err := s.store.ListChapters(storyID)
	if err != nil {
		return nil, storeError(err, "章节")
	}
	agents, err := s.store.ListAgents(story.UserID)
	if err != nil {
		return nil, storeError(err, "智能体")
	}

	names := make(map[string]string, len(agents))
	for _, a := range agents {
		names[a.ID] = a.Name
	}

	if len(history) > ProgressHistoryLimit {
		history = history[:ProgressHistoryLimit]
	}
	views := make([]models.HistoryView, 0, len(history))
	for _, h := range history {
		name := userAuthorName
		if !h.AuthoredByUser() {
			name = names[*h.AgentID]
		}
		views = append(views, models.HistoryView{
			ID:        h.ID,
			AgentName: name,
			Content:   h.Content,
			Abstract:  h.Abstract,
			Timestamp: h.Timestamp,
		})
	}

	return &WorkflowProgress{
		StoryID:      storyID,
		Status:       story.Status,
		Running:      s.loops.Running(storyID),
		ChapterCount: len(chapters),
		History:      views,
	}, nil
}

// AddUserMessage 追加一条用户手写的指导意见，下一轮写作会看到它
func (s *WorkflowService) AddUserMessage(storyID, content string) (*models.HistoryEntry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperrors.NewValidationError("消息内容不能为空", nil)
	}

	entry := &models.HistoryEntry{
		Content:       content,
		Abstract:      content,
		ShowInHistory: true,
		IsUserMessage: true,
	}
	if err := s.store.AppendHistory(storyID, entry); err != nil {
		return nil, storeError(err, "故事")
	}
	s.publish(models.EventHistory, storyID, entry)
	return entry, nil
}

// UpdateHistory 编辑历史内容。短内容的摘要直接等于内容。
func (s *WorkflowService) UpdateHistory(storyID, historyID, content string) (*models.HistoryEntry, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperrors.NewValidationError("内容不能为空", nil)
	}
	entry, err := s.store.UpdateHistoryEntry(storyID, historyID, func(h *models.HistoryEntry) {
		h.Content = content
		if len([]rune(content)) < shortEditLimit {
			h.Abstract = content
		}
	})
	if err != nil {
		return nil, storeError(err, "历史记录")
	}
	return entry, nil
}

// DeleteHistory 删除一条历史
func (s *WorkflowService) DeleteHistory(storyID, historyID string) error {
	if err := s.store.DeleteHistoryEntry(storyID, historyID); err != nil {
		return storeError(err, "历史记录")
	}
	return nil
}

// ClearHistory 清空历史。写作中的故事不能清空。
func (s *WorkflowService) ClearHistory(storyID string) error {
	if err := s.requireIdle(storyID); err != nil {
		return err
	}
	if err := s.store.ClearHistory(storyID); err != nil {
		return storeError(err, "历史")
	}
	return nil
}

// ClearChapters 删除全部章节。写作中的故事不能清空。
func (s *WorkflowService) ClearChapters(storyID string) error {
	if err := s.requireIdle(storyID); err != nil {
		return err
	}
	if err := s.store.ClearChapters(storyID); err != nil {
		return storeError(err, "章节")
	}
	return nil
}

func (s *WorkflowService) requireIdle(storyID string) error {
	if _, err := s.store.GetStory(storyID); err != nil {
		return storeError(err, "故事")
	}
	if s.loops.Running(storyID) {
		return apperrors.NewConflictError("故事正在写作中，请先暂停", nil)
	}
	return nil
}

// RegenerateAbstract 用流水线最后一个智能体重新生成某条历史的摘要
func (s *WorkflowService) RegenerateAbstract(ctx context.Context, storyID, historyID string) (*models.HistoryEntry, error) {
	story, err := s.store.GetStory(storyID)
	if err != nil {
		return nil, storeError(err, "故事")
	}

	history, err := s.store.ListHistory(storyID)
	if err != nil {
		return nil, storeError(err, "历史")
	}
	var target *models.HistoryEntry
	for _, h := range history {
		if h.ID == historyID {
			target = h
			break
		}
	}
	if target == nil {
		return nil, apperrors.NewNotFoundError("历史记录不存在", nil)
	}

	agents, err := s.store.ListAgents(story.UserID)
	if err != nil {
		return nil, storeError(err, "智能体")
	}
	if len(agents) == 0 {
		return nil, apperrors.NewConfigurationError("没有可用于生成摘要的智能体", nil)
	}
	summarizer := agents[len(agents)-1]

	title, content, ok := pipeline.ExtractChapter(target.Content)
	if !ok {
		return nil, apperrors.NewValidationError("该历史记录中没有章节标题", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, llm.DefaultTimeout)
	defer cancel()

	abstract := s.gen.Generate(ctx, story.UserID, summarizer.Model, pipeline.SummaryMessages(summarizer, title, content))
	if llm.IsSentinel(abstract) {
		return nil, apperrors.NewExternalError(abstract, nil)
	}

	updated, err := s.store.UpdateHistoryEntry(storyID, historyID, func(h *models.HistoryEntry) {
		h.Abstract = abstract
	})
	if err != nil {
		return nil, storeError(err, "历史记录")
	}
	return updated, nil
}

func (s *WorkflowService) publish(t models.EventType, storyID string, data interface{}) {
	if s.events == nil {
		return
	}
	s.events.Publish(models.StoryEvent{Type: t, StoryID: storyID, Data: data, Timestamp: time.Now()})
}
