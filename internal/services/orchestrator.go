// internal/services/orchestrator.go
package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/AIWriter/internal/config"
	"github.com/Corphon/AIWriter/internal/models"
	"github.com/Corphon/AIWriter/internal/pipeline"
	"github.com/Corphon/AIWriter/internal/storage"
	"github.com/Corphon/AIWriter/internal/utils"
	"github.com/cloudwego/eino/schema"
)

// OrchestratorStore 写作循环需要的存储操作
type OrchestratorStore interface {
	GetStory(id string) (*models.Story, error)
	UpdateStoryStatus(id string, status models.StoryStatus) error
	ListAgents(userID string) ([]*models.Agent, error)
	ListHistory(storyID string) ([]*models.HistoryEntry, error)
	AppendHistory(storyID string, entries ...*models.HistoryEntry) error
	AppendChapter(storyID string, chapter *models.Chapter) error
}

// Generator 文本生成。失败以哨兵文本返回，不返回错误。
type Generator interface {
	Generate(ctx context.Context, userID, model string, messages []*schema.Message) string
}

// EventSink 接收写作循环产生的事件
type EventSink interface {
	Publish(event models.StoryEvent)
}

// ChapterListener 章节定稿后被调用
type ChapterListener interface {
	ChapterCommitted(story *models.Story, chapter *models.Chapter)
}

// OrchestratorOptions 写作循环参数
type OrchestratorOptions struct {
	Gate             pipeline.Gate
	MinChapterLength int // 按字符（rune）计
	RawWindow        int
	LoopInterval     time.Duration
}

// OrchestratorOptionsFrom 从 writer.yaml 配置构造参数
func OrchestratorOptionsFrom(cfg config.PipelineConfig) OrchestratorOptions {
	return OrchestratorOptions{
		Gate:             pipeline.Gate{Satisfied: cfg.SatisfiedToken, Rejected: cfg.RejectedToken},
		MinChapterLength: cfg.MinChapterLength,
		RawWindow:        cfg.RawContextWindow,
		LoopInterval:     cfg.LoopInterval,
	}
}

type loopEntry struct {
	cancel context.CancelFunc
	token  uint64
}

// Orchestrator 每个故事一个可取消的后台写作循环。
// 同一故事同时最多只有一个循环。
type Orchestrator struct {
	store    OrchestratorStore
	gen      Generator
	events   EventSink
	listener ChapterListener
	opts     OrchestratorOptions
	prompts  pipeline.PromptBuilder

	mu        sync.Mutex
	loops     map[string]*loopEntry
	nextToken uint64
	closed    bool
	wg        sync.WaitGroup

	logger  *utils.Logger
	metrics *utils.MetricsCollector
}

// NewOrchestrator 创建编排器。events 可以为 nil。
func NewOrchestrator(store OrchestratorStore, gen Generator, events EventSink, opts OrchestratorOptions) *Orchestrator {
	if opts.Gate.Satisfied == "" {
		opts.Gate = pipeline.DefaultGate
	}
	if opts.LoopInterval <= 0 {
		opts.LoopInterval = time.Second
	}
	return &Orchestrator{
		store:   store,
		gen:     gen,
		events:  events,
		opts:    opts,
		prompts: pipeline.PromptBuilder{RawWindow: opts.RawWindow},
		loops:   make(map[string]*loopEntry),
		logger:  utils.GetLogger(),
		metrics: utils.GetMetricsCollector(),
	}
}

// SetChapterListener 设置章节定稿回调，需在 Start 之前调用
func (o *Orchestrator) SetChapterListener(l ChapterListener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listener = l
}

// Start 启动故事的写作循环。已在运行时不做任何事，返回 false。
// 调用方负责先把故事状态设为 Writing。
func (o *Orchestrator) Start(storyID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	if _, running := o.loops[storyID]; running {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.nextToken++
	token := o.nextToken
	o.loops[storyID] = &loopEntry{cancel: cancel, token: token}
	o.metrics.IncGauge(utils.MetricActiveLoops)

	o.wg.Add(1)
	go o.run(ctx, storyID, token)

	o.logger.Info("写作循环已启动", map[string]interface{}{"story_id": storyID})
	return true
}

// Stop 取消故事的写作循环并注销，不等待循环退出。未运行时返回 false。
func (o *Orchestrator) Stop(storyID string) bool {
	o.mu.Lock()
	entry, ok := o.loops[storyID]
	if ok {
		delete(o.loops, storyID)
		o.metrics.DecGauge(utils.MetricActiveLoops)
	}
	o.mu.Unlock()

	if !ok {
		return false
	}
	entry.cancel()
	o.logger.Info("写作循环已停止", map[string]interface{}{"story_id": storyID})
	return true
}

// Running 故事是否有活动循环
func (o *Orchestrator) Running(storyID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.loops[storyID]
	return ok
}

// ActiveCount 活动循环数量
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.loops)
}

// Shutdown 取消所有循环并等待退出，ctx 到期时提前返回
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for id, entry := range o.loops {
		entry.cancel()
		delete(o.loops, id)
		o.metrics.DecGauge(utils.MetricActiveLoops)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish 循环自行退出时注销自己。只删除自己的登记，不影响之后重新启动的循环。
func (o *Orchestrator) finish(storyID string, token uint64) {
	o.mu.Lock()
	if entry, ok := o.loops[storyID]; ok && entry.token == token {
		entry.cancel()
		delete(o.loops, storyID)
		o.metrics.DecGauge(utils.MetricActiveLoops)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) run(ctx context.Context, storyID string, token uint64) {
	defer o.wg.Done()
	defer o.finish(storyID, token)

	for ctx.Err() == nil {
		if !o.iterate(ctx, storyID) {
			return
		}
		if !sleepCtx(ctx, o.opts.LoopInterval) {
			return
		}
	}
}

// iterate 执行一轮外层循环，返回是否继续
func (o *Orchestrator) iterate(ctx context.Context, storyID string) bool {
	story, err := o.store.GetStory(storyID)
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	if err != nil {
		o.logger.Error("读取故事失败", map[string]interface{}{"story_id": storyID, "error": err.Error()})
		return true
	}
	if story.Status != models.StatusWriting {
		return false
	}

	agents, err := o.store.ListAgents(story.UserID)
	if err != nil {
		o.logger.Error("读取智能体失败", map[string]interface{}{"story_id": storyID, "error": err.Error()})
		return true
	}
	if len(agents) < models.MinPipelineAgents {
		o.pause(story, len(agents))
		return false
	}

	history, err := o.store.ListHistory(storyID)
	if err != nil {
		o.logger.Error("读取历史失败", map[string]interface{}{"story_id": storyID, "error": err.Error()})
		return true
	}

	return o.writeChapter(ctx, story, agents, history)
}

// pause 智能体不足时强制暂停，这是配置错误，不重试
func (o *Orchestrator) pause(story *models.Story, agentCount int) {
	o.logger.Warn("智能体数量不足，故事已暂停", map[string]interface{}{
		"story_id": story.ID,
		"agents":   agentCount,
		"required": models.MinPipelineAgents,
	})
	if err := o.store.UpdateStoryStatus(story.ID, models.StatusPaused); err != nil {
		o.logger.Error("暂停故事失败", map[string]interface{}{"story_id": story.ID, "error": err.Error()})
		return
	}
	o.publish(models.EventStatus, story.ID, map[string]interface{}{
		"status": models.StatusPaused,
		"reason": "insufficient_agents",
	})
}

// writeChapter 内层质量循环，直到一章通过或被取消。返回是否继续外层循环。
// 审稿通过但无法提取或不足最小长度的草稿同样写入历史，下一轮在其之上续写。
func (o *Orchestrator) writeChapter(ctx context.Context, story *models.Story, agents []*models.Agent, history []*models.HistoryEntry) bool {
	writer := agents[models.AgentOrderWriter]
	optimizer := agents[models.AgentOrderOptimizer]
	summarizer := agents[models.AgentOrderSummarizer]

	for {
		if ctx.Err() != nil {
			return false
		}

		// 保证上下文以一条 "满意" 结尾，首轮和被否决后都适用
		if len(history) > 0 && !strings.Contains(history[0].Content, o.opts.Gate.Satisfied) {
			history = prepend(history, o.bootstrapEntry(story.ID, optimizer.ID))
		}

		writerOut := o.gen.Generate(ctx, story.UserID, writer.Model, o.prompts.Messages(story, writer, history))
		if ctx.Err() != nil {
			return false
		}
		writerEntry := o.agentEntry(story.ID, writer.ID, writerOut)
		history = prepend(history, writerEntry)

		optimizerOut := o.gen.Generate(ctx, story.UserID, optimizer.Model, o.prompts.Messages(story, optimizer, history))
		if ctx.Err() != nil {
			return false
		}
		optimizerEntry := o.agentEntry(story.ID, optimizer.ID, optimizerOut)
		history = prepend(history, optimizerEntry)

		if !o.opts.Gate.Passed(optimizerOut) {
			o.metrics.IncrementCounter(utils.MetricDraftsRejected)
			o.persist(story.ID, writerEntry, optimizerEntry)
			if !sleepCtx(ctx, o.opts.LoopInterval) {
				return false
			}
			continue
		}

		title, content, ok := pipeline.ExtractChapter(writerOut)
		if !ok {
			title, content, ok = pipeline.ExtractChapter(optimizerOut)
		}
		if !ok || len([]rune(content)) < o.opts.MinChapterLength {
			o.logger.Info("草稿已通过但尚不能成章", map[string]interface{}{
				"story_id":  story.ID,
				"extracted": ok,
				"length":    len([]rune(content)),
			})
			o.persist(story.ID, writerEntry, optimizerEntry)
			if !sleepCtx(ctx, o.opts.LoopInterval) {
				return false
			}
			continue
		}

		abstract := o.gen.Generate(ctx, story.UserID, summarizer.Model, pipeline.SummaryMessages(summarizer, title, content))
		if ctx.Err() != nil {
			return false
		}
		writerEntry.Abstract = abstract

		if !o.persist(story.ID, writerEntry, optimizerEntry) {
			return true
		}
		o.commitChapter(story, title, content)
		return true
	}
}

// persist 保存两条流水线输出，失败时记录日志
func (o *Orchestrator) persist(storyID string, entries ...*models.HistoryEntry) bool {
	if err := o.store.AppendHistory(storyID, entries...); err != nil {
		o.logger.Error("保存历史失败", map[string]interface{}{"story_id": storyID, "error": err.Error()})
		return false
	}
	for _, e := range entries {
		o.publish(models.EventHistory, storyID, e)
	}
	return true
}

func (o *Orchestrator) commitChapter(story *models.Story, title, content string) {
	chapter := &models.Chapter{
		Title:     title,
		Content:   content,
		WordCount: pipeline.WordCount(content),
	}
	err := o.store.AppendChapter(story.ID, chapter)
	if err != nil {
		o.logger.Warn("保存章节失败，重试一次", map[string]interface{}{"story_id": story.ID, "error": err.Error()})
		err = o.store.AppendChapter(story.ID, chapter)
	}
	if err != nil {
		// 通过的草稿已写入历史，这一章不会再自动重写
		o.logger.Error("保存章节失败", map[string]interface{}{"story_id": story.ID, "error": err.Error()})
		o.publish(models.EventError, story.ID, map[string]interface{}{
			"stage": "chapter",
			"title": title,
			"error": err.Error(),
		})
		return
	}

	o.metrics.IncrementCounter(utils.MetricChaptersCommitted)
	o.metrics.AddCounter(utils.MetricChapterWords, int64(chapter.WordCount))
	o.logger.Info("章节已定稿", map[string]interface{}{
		"story_id":   story.ID,
		"order":      chapter.Order,
		"title":      chapter.Title,
		"word_count": chapter.WordCount,
	})
	o.publish(models.EventChapter, story.ID, chapter)

	o.mu.Lock()
	listener := o.listener
	o.mu.Unlock()
	if listener != nil {
		listener.ChapterCommitted(story, chapter)
	}
}

func (o *Orchestrator) bootstrapEntry(storyID, optimizerID string) *models.HistoryEntry {
	token := o.opts.Gate.Satisfied
	return &models.HistoryEntry{
		StoryID:   storyID,
		AgentID:   &optimizerID,
		Content:   token,
		Abstract:  token,
		Timestamp: time.Now(),
	}
}

func (o *Orchestrator) agentEntry(storyID, agentID, content string) *models.HistoryEntry {
	return &models.HistoryEntry{
		StoryID:       storyID,
		AgentID:       &agentID,
		Content:       content,
		Abstract:      content,
		ShowInHistory: true,
		Timestamp:     time.Now(),
	}
}

func (o *Orchestrator) publish(t models.EventType, storyID string, data interface{}) {
	if o.events == nil {
		return
	}
	o.events.Publish(models.StoryEvent{Type: t, StoryID: storyID, Data: data, Timestamp: time.Now()})
}

func prepend(history []*models.HistoryEntry, entry *models.HistoryEntry) []*models.HistoryEntry {
	return append([]*models.HistoryEntry{entry}, history...)
}

// sleepCtx 可取消的等待，被取消时返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
