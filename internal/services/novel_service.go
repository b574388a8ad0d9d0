// internal/services/novel_service.go
package services

import (
	"strings"

	apperrors "github.com/Corphon/AIWriter/internal/errors"
	"github.com/Corphon/AIWriter/internal/models"
	"github.com/Corphon/AIWriter/internal/pipeline"
	"github.com/Corphon/AIWriter/internal/storage"
)

// NovelService 故事与章节的增删改查
type NovelService struct {
	store *storage.Store
	loops LoopController
}

// NewNovelService 创建小说服务
func NewNovelService(store *storage.Store, loops LoopController) *NovelService {
	return &NovelService{store: store, loops: loops}
}

// CreateStoryInput 新建故事的参数
type CreateStoryInput struct {
	UserID      string `json:"user_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// StoryUpdate 故事的可选修改项。状态通过 WorkflowService 修改。
type StoryUpdate struct {
	Title             *string `json:"title,omitempty"`
	Description       *string `json:"description,omitempty"`
	AutoPublish       *bool   `json:"auto_publish,omitempty"`
	PlatformAccountID *string `json:"platform_account_id,omitempty"`
	PlatformNumber    *string `json:"platform_number,omitempty"`
}

// CreateStory 新建草稿状态的故事
func (s *NovelService) CreateStory(input CreateStoryInput) (*models.Story, error) {
	title := strings.TrimSpace(input.Title)
	if strings.TrimSpace(input.UserID) == "" {
		return nil, apperrors.NewValidationError("用户ID不能为空", nil)
	}
	if title == "" {
		return nil, apperrors.NewValidationError("标题不能为空", nil)
	}

	story := &models.Story{
		UserID:      input.UserID,
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Status:      models.StatusDraft,
	}
	if err := s.store.CreateStory(story); err != nil {
		return nil, apperrors.NewProcessingError("创建故事失败", err)
	}
	return story, nil
}

// GetStory 故事及章节统计
func (s *NovelService) GetStory(id string) (*models.StorySummary, error) {
	story, err := s.store.GetStory(id)
	if err != nil {
		return nil, storeError(err, "故事")
	}
	return s.summarize(story)
}

// ListStories 用户的全部故事
func (s *NovelService) ListStories(userID string) ([]*models.StorySummary, error) {
	stories, err := s.store.ListStories(userID)
	if err != nil {
		return nil, apperrors.NewProcessingError("读取故事列表失败", err)
	}
	out := make([]*models.StorySummary, 0, len(stories))
	for _, story := range stories {
		summary, err := s.summarize(story)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, nil
}

func (s *NovelService) summarize(story *models.Story) (*models.StorySummary, error) {
	chapters, err := s.store.ListChapters(story.ID)
	if err != nil {
		return nil, storeError(err, "章节")
	}
	summary := &models.StorySummary{Story: story, ChapterCount: len(chapters)}
	for _, ch := range chapters {
		summary.TotalWordCount += ch.WordCount
	}
	if n := len(chapters); n > 0 {
		summary.LatestChapterTitle = chapters[n-1].Title
	}
	return summary, nil
}

// UpdateStory 修改故事信息和自动发布设置
func (s *NovelService) UpdateStory(id string, update StoryUpdate) (*models.Story, error) {
	if update.Title != nil && strings.TrimSpace(*update.Title) == "" {
		return nil, apperrors.NewValidationError("标题不能为空", nil)
	}

	story, err := s.store.UpdateStory(id, func(st *models.Story) error {
		if update.Title != nil {
			st.Title = strings.TrimSpace(*update.Title)
		}
		if update.Description != nil {
			st.Description = strings.TrimSpace(*update.Description)
		}
		if update.AutoPublish != nil {
			st.AutoPublish = *update.AutoPublish
		}
		if update.PlatformAccountID != nil {
			st.PlatformAccountID = *update.PlatformAccountID
		}
		if update.PlatformNumber != nil {
			st.PlatformNumber = strings.TrimSpace(*update.PlatformNumber)
		}
		return nil
	})
	if err != nil {
		return nil, storeError(err, "故事")
	}
	return story, nil
}

// DeleteStory 停止写作循环并删除故事
func (s *NovelService) DeleteStory(id string) error {
	s.loops.Stop(id)
	if err := s.store.DeleteStory(id); err != nil {
		return storeError(err, "故事")
	}
	return nil
}

// ListChapters 按顺序列出章节
func (s *NovelService) ListChapters(storyID string) ([]*models.Chapter, error) {
	if _, err := s.store.GetStory(storyID); err != nil {
		return nil, storeError(err, "故事")
	}
	chapters, err := s.store.ListChapters(storyID)
	if err != nil {
		return nil, storeError(err, "章节")
	}
	if chapters == nil {
		chapters = []*models.Chapter{}
	}
	return chapters, nil
}

// GetChapter 读取单个章节
func (s *NovelService) GetChapter(storyID, chapterID string) (*models.Chapter, error) {
	ch, err := s.store.GetChapter(storyID, chapterID)
	if err != nil {
		return nil, storeError(err, "章节")
	}
	return ch, nil
}

// ChapterUpdate 章节的可选修改项
type ChapterUpdate struct {
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
}

// UpdateChapter 手动修改章节，字数重新计算
func (s *NovelService) UpdateChapter(storyID, chapterID string, update ChapterUpdate) (*models.Chapter, error) {
	ch, err := s.store.UpdateChapter(storyID, chapterID, func(c *models.Chapter) {
		if update.Title != nil {
			c.Title = strings.TrimSpace(*update.Title)
		}
		if update.Content != nil {
			c.Content = *update.Content
			c.WordCount = pipeline.WordCount(c.Content)
		}
	})
	if err != nil {
		return nil, storeError(err, "章节")
	}
	return ch, nil
}

// DeleteChapter 删除章节
func (s *NovelService) DeleteChapter(storyID, chapterID string) error {
	if err := s.store.DeleteChapter(storyID, chapterID); err != nil {
		return storeError(err, "章节")
	}
	return nil
}
