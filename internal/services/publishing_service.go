// internal/services/publishing_service.go
package services

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/Corphon/AIWriter/internal/browser"
	apperrors "github.com/Corphon/AIWriter/internal/errors"
	"github.com/Corphon/AIWriter/internal/models"
	"github.com/Corphon/AIWriter/internal/pipeline"
	"github.com/Corphon/AIWriter/internal/storage"
	"github.com/Corphon/AIWriter/internal/utils"
)

const (
	defaultWaitTimeout = 30 * time.Second
	// autoPublishTimeout 后台自动发布的总超时
	autoPublishTimeout = 5 * time.Minute
)

// PagePool 发布所需的页面池操作
type PagePool interface {
	Acquire(ctx context.Context) (browser.Page, error)
	Release(page browser.Page)
	SaveState() error
}

// CredentialSource 平台账号与密码
type CredentialSource interface {
	Credentials(userID, accountID string) (*models.PlatformAccount, string, error)
}

// StepValues 发布脚本模板可用的值
type StepValues struct {
	URL           string
	ChapterNumber int
	ShortTitle    string
	Title         string
	Content       string
	Username      string
	Password      string
}

// PublishingService 通过页面池把章节发布到外部平台
type PublishingService struct {
	store   *storage.Store
	creds   CredentialSource
	catalog *PlatformCatalog
	pool    PagePool
	jobs    *JobTracker

	// 后台自动发布
	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup

	logger  *utils.Logger
	metrics *utils.MetricsCollector
}

// NewPublishingService 创建发布服务
func NewPublishingService(store *storage.Store, creds CredentialSource, catalog *PlatformCatalog, pool PagePool, jobs *JobTracker) *PublishingService {
	ctx, cancel := context.WithCancel(context.Background())
	return &PublishingService{
		store:    store,
		creds:    creds,
		catalog:  catalog,
		pool:     pool,
		jobs:     jobs,
		bgCtx:    ctx,
		bgCancel: cancel,
		logger:   utils.GetLogger(),
		metrics:  utils.GetMetricsCollector(),
	}
}

// Jobs 发布任务跟踪器
func (s *PublishingService) Jobs() *JobTracker {
	return s.jobs
}

// ChapterCommitted 实现 ChapterListener：开启自动发布的故事在后台发布新章节
func (s *PublishingService) ChapterCommitted(story *models.Story, chapter *models.Chapter) {
	if !story.AutoPublish {
		return
	}
	if s.bgCtx.Err() != nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.bgCtx, autoPublishTimeout)
		defer cancel()

		if _, err := s.PublishChapter(ctx, story.ID, chapter.ID); err != nil {
			s.logger.Error("自动发布失败", map[string]interface{}{
				"story_id":   story.ID,
				"chapter_id": chapter.ID,
				"error":      err.Error(),
			})
		}
	}()
}

// Close 取消进行中的自动发布并等待退出
func (s *PublishingService) Close(ctx context.Context) error {
	s.bgCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishChapter 发布单个章节，返回结束后的任务状态
func (s *PublishingService) PublishChapter(ctx context.Context, storyID, chapterID string) (PublishJob, error) {
	story, err := s.store.GetStory(storyID)
	if err != nil {
		return PublishJob{}, storeError(err, "故事")
	}
	chapter, err := s.store.GetChapter(storyID, chapterID)
	if err != nil {
		return PublishJob{}, storeError(err, "章节")
	}

	if story.PlatformAccountID == "" || story.PlatformNumber == "" {
		return PublishJob{}, apperrors.NewConfigurationError("故事未绑定发布平台账号或作品编号", nil)
	}
	account, password, err := s.creds.Credentials(story.UserID, story.PlatformAccountID)
	if err != nil {
		return PublishJob{}, err
	}
	platform, ok := s.catalog.Get(account.PlatformID)
	if !ok {
		return PublishJob{}, apperrors.NewConfigurationError("未知的发布平台: "+account.PlatformID, nil)
	}

	values := StepValues{
		URL:           publishURL(platform.PublishURL, story.PlatformNumber),
		ChapterNumber: pipeline.ChapterNumber(chapter.Title),
		ShortTitle:    pipeline.ShortTitle(chapter.Title),
		Title:         chapter.Title,
		Content:       chapter.Content,
		Username:      account.Username,
		Password:      password,
	}
	if values.ChapterNumber == 0 {
		values.ChapterNumber = chapter.Order
	}

	job := s.jobs.Create(storyID, chapterID, len(platform.Steps))
	if err := s.runScript(ctx, job.ID, platform, values); err != nil {
		s.metrics.IncrementCounter(utils.MetricPublishFailures)
		s.jobs.Fail(job.ID, err.Error())
		final, _ := s.jobs.Get(job.ID)
		return final, apperrors.NewExternalError("发布章节失败", err)
	}

	if err := s.pool.SaveState(); err != nil {
		s.logger.Warn("保存浏览器 cookie 失败", map[string]interface{}{"error": err.Error()})
	}
	s.metrics.IncrementCounter(utils.MetricPublishes)
	s.jobs.Complete(job.ID, "")
	s.logger.Info("章节已发布", map[string]interface{}{
		"story_id":   storyID,
		"chapter_id": chapterID,
		"platform":   platform.ID,
	})

	final, _ := s.jobs.Get(job.ID)
	return final, nil
}

func publishURL(pattern, number string) string {
	if strings.Contains(pattern, "%s") {
		return fmt.Sprintf(pattern, number)
	}
	return pattern
}

// runScript 借出页面执行发布脚本，结束后总是归还页面
func (s *PublishingService) runScript(ctx context.Context, jobID string, platform models.Platform, values StepValues) error {
	page, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("获取浏览器页面失败: %w", err)
	}
	defer s.pool.Release(page)

	for i, step := range platform.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := runStep(ctx, page, step, values); err != nil {
			return fmt.Errorf("第 %d 步 %s 失败: %w", i+1, step.Action, err)
		}
		s.jobs.Advance(jobID, i+1, fmt.Sprintf("%s %s", step.Action, step.Selector))
	}
	return nil
}

func runStep(ctx context.Context, page browser.Page, step models.PublishStep, values StepValues) error {
	value, err := renderValue(step.Value, values)
	if err != nil {
		return err
	}

	switch step.Action {
	case models.StepGoto:
		if value == "" {
			value = values.URL
		}
		return page.Goto(ctx, value)
	case models.StepWait:
		timeout := defaultWaitTimeout
		if step.WaitMS > 0 {
			timeout = time.Duration(step.WaitMS) * time.Millisecond
		}
		return page.WaitFor(ctx, step.Selector, timeout)
	case models.StepClick:
		return page.Click(ctx, step.Selector)
	case models.StepClickIfPresent:
		present, err := page.Exists(ctx, step.Selector)
		if err != nil || !present {
			return err
		}
		return page.Click(ctx, step.Selector)
	case models.StepFill:
		return page.Fill(ctx, step.Selector, value)
	case models.StepSleep:
		if !sleepCtx(ctx, time.Duration(step.WaitMS)*time.Millisecond) {
			return ctx.Err()
		}
		return nil
	}
	return fmt.Errorf("未知的发布动作 %q", step.Action)
}

func renderValue(text string, values StepValues) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New("step").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("解析步骤模板失败: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, values); err != nil {
		return "", fmt.Errorf("渲染步骤模板失败: %w", err)
	}
	return buf.String(), nil
}
