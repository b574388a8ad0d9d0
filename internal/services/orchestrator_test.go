package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Corphon/AIWriter/internal/models"
	"github.com/Corphon/AIWriter/internal/pipeline"
	"github.com/Corphon/AIWriter/internal/storage"
	"github.com/cloudwego/eino/schema"
)

// memStore 内存实现的 OrchestratorStore
type memStore struct {
	mu       sync.Mutex
	stories  map[string]*models.Story
	agents   map[string][]*models.Agent
	history  map[string][]*models.HistoryEntry // 按写入顺序
	chapters map[string][]*models.Chapter

	failChapters int // 接下来这么多次 AppendChapter 返回错误
}

func newMemStore() *memStore {
	return &memStore{
		stories:  make(map[string]*models.Story),
		agents:   make(map[string][]*models.Agent),
		history:  make(map[string][]*models.HistoryEntry),
		chapters: make(map[string][]*models.Chapter),
	}
}

func (m *memStore) GetStory(id string) (*models.Story, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stories[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) UpdateStoryStatus(id string, status models.StoryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stories[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.Status = status
	return nil
}

func (m *memStore) ListAgents(userID string) ([]*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Agent(nil), m.agents[userID]...), nil
}

func (m *memStore) ListHistory(storyID string) ([]*models.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.history[storyID]
	out := make([]*models.HistoryEntry, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
	}
	return out, nil
}

func (m *memStore) AppendHistory(storyID string, entries ...*models.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[storyID] = append(m.history[storyID], entries...)
	return nil
}

func (m *memStore) AppendChapter(storyID string, ch *models.Chapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failChapters > 0 {
		m.failChapters--
		return fmt.Errorf("磁盘已满")
	}
	last := 0
	for _, c := range m.chapters[storyID] {
		if c.Order > last {
			last = c.Order
		}
	}
	ch.StoryID = storyID
	ch.Order = last + 1
	m.chapters[storyID] = append(m.chapters[storyID], ch)
	return nil
}

func (m *memStore) historyLen(storyID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history[storyID])
}

func (m *memStore) chapterList(storyID string) []*models.Chapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Chapter(nil), m.chapters[storyID]...)
}

func (m *memStore) status(storyID string) models.StoryStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stories[storyID].Status
}

func (m *memStore) seed(storyID string, agentCount int) {
	m.stories[storyID] = &models.Story{
		ID: storyID, UserID: "u1", Title: "海风", Description: "航海", Status: models.StatusWriting,
	}
	roles := []string{"writer", "optimizer", "summarizer"}
	for i := 0; i < agentCount && i < len(roles); i++ {
		m.agents["u1"] = append(m.agents["u1"], &models.Agent{
			ID: roles[i], UserID: "u1", Name: roles[i], Prompt: roles[i] + "-prompt", Model: roles[i], Order: i,
		})
	}
}

// scriptedGen 按模型名（即角色）返回脚本化输出
type scriptedGen struct {
	mu    sync.Mutex
	reply map[string]func(ctx context.Context) string
	calls map[string][][]*schema.Message
}

func newScriptedGen() *scriptedGen {
	return &scriptedGen{
		reply: make(map[string]func(ctx context.Context) string),
		calls: make(map[string][][]*schema.Message),
	}
}

func (g *scriptedGen) on(model string, fn func(ctx context.Context) string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reply[model] = fn
}

func (g *scriptedGen) Generate(ctx context.Context, userID, model string, msgs []*schema.Message) string {
	g.mu.Lock()
	g.calls[model] = append(g.calls[model], msgs)
	fn := g.reply[model]
	g.mu.Unlock()
	if fn == nil {
		return ""
	}
	return fn(ctx)
}

func (g *scriptedGen) firstCall(model string) []*schema.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.calls[model]) == 0 {
		return nil
	}
	return g.calls[model][0]
}

func constant(s string) func(context.Context) string {
	return func(context.Context) string { return s }
}

func blockUntilCancelled(ctx context.Context) string {
	<-ctx.Done()
	return "cancelled"
}

type eventRecorder struct {
	mu     sync.Mutex
	events []models.StoryEvent
}

func (r *eventRecorder) Publish(e models.StoryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(t models.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func testOptions() OrchestratorOptions {
	return OrchestratorOptions{
		Gate:             pipeline.DefaultGate,
		MinChapterLength: 3000,
		RawWindow:        4,
		LoopInterval:     time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func longChapter(title string) string {
	return title + "\n\n" + strings.Repeat("字", 3000) + "\n---\n作者注"
}

func TestOrchestrator_InsufficientAgentsPauses(t *testing.T) {
	store := newMemStore()
	store.seed("s1", 2)
	events := &eventRecorder{}
	o := NewOrchestrator(store, newScriptedGen(), events, testOptions())

	if !o.Start("s1") {
		t.Fatal("Start returned false")
	}
	waitFor(t, "loop exit", func() bool { return !o.Running("s1") })

	if got := store.status("s1"); got != models.StatusPaused {
		t.Fatalf("status = %s, want Paused", got)
	}
	if n := len(store.chapterList("s1")); n != 0 {
		t.Fatalf("chapters = %d, want 0", n)
	}
	if events.count(models.EventStatus) != 1 {
		t.Fatal("expected a status event")
	}
}

func TestOrchestrator_StartIsIdempotent(t *testing.T) {
	store := newMemStore()
	store.seed("s1", 3)
	gen := newScriptedGen()
	gen.on("writer", blockUntilCancelled)
	o := NewOrchestrator(store, gen, nil, testOptions())
	defer o.Shutdown(context.Background())

	first := o.Start("s1")
	second := o.Start("s1")

	if !first || second {
		t.Fatalf("Start results = %v, %v; want true, false", first, second)
	}
	if n := o.ActiveCount(); n != 1 {
		t.Fatalf("active = %d, want 1", n)
	}
}

func TestOrchestrator_ConcurrentStart(t *testing.T) {
	store := newMemStore()
	store.seed("s1", 3)
	gen := newScriptedGen()
	gen.on("writer", blockUntilCancelled)
	o := NewOrchestrator(store, gen, nil, testOptions())
	defer o.Shutdown(context.Background())

	var wg sync.WaitGroup
	var mu sync.Mutex
	started := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if o.Start("s1") {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if started != 1 || o.ActiveCount() != 1 {
		t.Fatalf("started = %d, active = %d", started, o.ActiveCount())
	}
}

func TestOrchestrator_CommitsChapter(t *testing.T) {
	store := newMemStore()
	store.seed("s1", 3)
	gen := newScriptedGen()
	gen.on("writer", constant(longChapter("第一章 启航")))
	gen.on("optimizer", constant("整体满意。"))
	gen.on("summarizer", constant("主角启航。"))

	var listened []*models.Chapter
	var lmu sync.Mutex
	events := &eventRecorder{}
	o := NewOrchestrator(store, gen, events, testOptions())
	o.SetChapterListener(listenerFunc(func(s *models.Story, ch *models.Chapter) {
		lmu.Lock()
		listened = append(listened, ch)
		lmu.Unlock()
	}))

	o.Start("s1")
	waitFor(t, "first chapter", func() bool { return len(store.chapterList("s1")) >= 1 })
	o.Stop("s1")
	o.Shutdown(context.Background())

	ch := store.chapterList("s1")[0]
	if ch.Order != 1 || ch.Title != "第一章 启航" {
		t.Fatalf("unexpected chapter: order=%d title=%q", ch.Order, ch.Title)
	}
	if ch.WordCount != 3000 || strings.Contains(ch.Content, "作者注") {
		t.Fatalf("unexpected content: words=%d", ch.WordCount)
	}

	history, _ := store.ListHistory("s1")
	// 最早的两条：作家在前，优化器在后
	oldestWriter, oldestOptimizer := history[len(history)-1], history[len(history)-2]
	if *oldestWriter.AgentID != "writer" || oldestWriter.Abstract != "主角启航。" {
		t.Fatalf("writer entry = %+v", oldestWriter)
	}
	if *oldestOptimizer.AgentID != "optimizer" || oldestOptimizer.Abstract != "整体满意。" {
		t.Fatalf("optimizer entry = %+v", oldestOptimizer)
	}

	summary := gen.firstCall("summarizer")
	if len(summary) != 2 || !strings.HasPrefix(summary[1].Content, "标题：\n第一章 启航\n\n正文：\n") {
		t.Fatalf("unexpected summarizer input: %+v", summary)
	}

	lmu.Lock()
	defer lmu.Unlock()
	if len(listened) == 0 || listened[0] != ch {
		t.Fatal("chapter listener not invoked")
	}
	if events.count(models.EventChapter) == 0 {
		t.Fatal("expected chapter event")
	}
}

func TestOrchestrator_RejectionPersistsWithoutChapter(t *testing.T) {
	store := newMemStore()
	store.seed("s1", 3)
	gen := newScriptedGen()
	gen.on("writer", constant(longChapter("第一章 启航")))
	gen.on("optimizer", constant("我不满意，节奏太快。"))

	o := NewOrchestrator(store, gen, nil, testOptions())
	o.Start("s1")
	waitFor(t, "rejected round", func() bool { return store.historyLen("s1") >= 4 })
	o.Shutdown(context.Background())

	if n := len(store.chapterList("s1")); n != 0 {
		t.Fatalf("chapters = %d, want 0", n)
	}
	history, _ := store.ListHistory("s1")
	for _, e := range history {
		if e.Abstract != e.Content {
			t.Fatalf("rejected entry abstract should equal content: %+v", e)
		}
	}
	if calls := gen.firstCall("summarizer"); calls != nil {
		t.Fatal("summarizer must not run on rejection")
	}
}

func TestOrchestrator_ShortChapterNotCommitted(t *testing.T) {
	store := newMemStore()
	store.seed("s1", 3)
	gen := newScriptedGen()
	gen.on("writer", constant("第一章 启航\n\n太短了。"))
	gen.on("optimizer", constant("满意"))

	o := NewOrchestrator(store, gen, nil, testOptions())
	o.Start("s1")
	waitFor(t, "persisted draft", func() bool { return store.historyLen("s1") >= 2 })
	o.Shutdown(context.Background())

	if n := len(store.chapterList("s1")); n != 0 {
		t.Fatalf("chapters = %d, want 0", n)
	}
}

func TestOrchestrator_FallsBackToOptimizerOutput(t *testing.T) {
	store := newMemStore()
	store.seed("s1", 3)
	gen := newScriptedGen()
	gen.on("writer", constant("我先理一理情节，再动笔。"))
	gen.on("optimizer", constant("满意。修订稿如下：\n\n"+longChapter("第二章 归航")))
	gen.on("summarizer", constant("主角归航。"))

	o := NewOrchestrator(store, gen, nil, testOptions())
	o.Start("s1")
	waitFor(t, "chapter from optimizer", func() bool { return len(store.chapterList("s1")) >= 1 })
	o.Shutdown(context.Background())

	ch := store.chapterList("s1")[0]
	if ch.Title != "第二章 归航" {
		t.Fatalf("title = %q", ch.Title)
	}
	if ch.Content != strings.Repeat("字", 3000) {
		t.Fatalf("content came from the wrong draft: %.40q", ch.Content)
	}
}

func TestOrchestrator_RetriesChapterAppendOnce(t *testing.T) {
	store := newMemStore()
	store.seed("s1", 3)
	store.failChapters = 1
	gen := newScriptedGen()
	gen.on("writer", constant(longChapter("第一章 启航")))
	gen.on("optimizer", constant("满意"))
	gen.on("summarizer", constant("摘要"))

	events := &eventRecorder{}
	o := NewOrchestrator(store, gen, events, testOptions())
	o.Start("s1")
	waitFor(t, "chapter after retry", func() bool { return len(store.chapterList("s1")) >= 1 })
	o.Shutdown(context.Background())

	if ch := store.chapterList("s1")[0]; ch.Order != 1 {
		t.Fatalf("order = %d, want 1", ch.Order)
	}
	if n := events.count(models.EventError); n != 0 {
		t.Fatalf("error events = %d, want 0", n)
	}
}

func TestOrchestrator_ChapterAppendFailureEmitsError(t *testing.T) {
	store := newMemStore()
	store.seed("s1", 3)
	store.failChapters = 2
	gen := newScriptedGen()
	gen.on("writer", constant(longChapter("第一章 启航")))
	gen.on("optimizer", constant("满意"))
	gen.on("summarizer", constant("摘要"))

	events := &eventRecorder{}
	o := NewOrchestrator(store, gen, events, testOptions())
	o.Start("s1")
	waitFor(t, "error event", func() bool { return events.count(models.EventError) >= 1 })
	o.Shutdown(context.Background())

	events.mu.Lock()
	defer events.mu.Unlock()
	for _, e := range events.events {
		if e.Type != models.EventError {
			continue
		}
		data, ok := e.Data.(map[string]interface{})
		if !ok || data["stage"] != "chapter" || data["title"] != "第一章 启航" {
			t.Fatalf("error event = %+v", e)
		}
		return
	}
}

func TestOrchestrator_BootstrapSatisfiedTail(t *testing.T) {
	store := newMemStore()
	store.seed("s1", 3)
	uid := "writer"
	store.history["s1"] = []*models.HistoryEntry{
		{ID: "h1", AgentID: &uid, Content: "第一章 旧稿", Abstract: "旧稿摘要", Timestamp: time.Now()},
		{ID: "h2", Content: "请加快节奏", IsUserMessage: true, Timestamp: time.Now()},
	}
	gen := newScriptedGen()
	gen.on("writer", blockUntilCancelled)

	o := NewOrchestrator(store, gen, nil, testOptions())
	o.Start("s1")
	waitFor(t, "writer call", func() bool { return gen.firstCall("writer") != nil })
	o.Shutdown(context.Background())

	msgs := gen.firstCall("writer")
	last := msgs[len(msgs)-1]
	if last.Content != "满意" || last.Role != schema.Assistant {
		t.Fatalf("last message = %+v, want synthetic satisfied entry", last)
	}
	if msgs[len(msgs)-2].Content != "请加快节奏" {
		t.Fatalf("user message missing: %+v", msgs)
	}
	// 合成条目只存在于内存
	if n := store.historyLen("s1"); n != 2 {
		t.Fatalf("history = %d, want 2", n)
	}
}

func TestOrchestrator_StopCancelsInFlight(t *testing.T) {
	store := newMemStore()
	store.seed("s1", 3)
	gen := newScriptedGen()
	gen.on("writer", blockUntilCancelled)

	o := NewOrchestrator(store, gen, nil, testOptions())
	o.Start("s1")
	waitFor(t, "writer call", func() bool { return gen.firstCall("writer") != nil })

	if !o.Stop("s1") {
		t.Fatal("Stop returned false")
	}
	if o.Stop("s1") {
		t.Fatal("second Stop should be a no-op")
	}
	if o.Running("s1") {
		t.Fatal("loop still registered after Stop")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("loop did not exit: %v", err)
	}
	if n := store.historyLen("s1"); n != 0 {
		t.Fatalf("staged entries persisted after cancel: %d", n)
	}
}

func TestOrchestrator_ExternalPauseEndsLoop(t *testing.T) {
	store := newMemStore()
	store.seed("s1", 3)
	gen := newScriptedGen()
	gen.on("writer", constant(longChapter("第一章 启航")))
	gen.on("optimizer", constant("满意"))
	// 章节定稿前用户把故事暂停，下一轮外层循环应当退出
	gen.on("summarizer", func(ctx context.Context) string {
		store.UpdateStoryStatus("s1", models.StatusPaused)
		return "摘要"
	})

	o := NewOrchestrator(store, gen, nil, testOptions())
	o.Start("s1")
	waitFor(t, "loop exit", func() bool { return !o.Running("s1") })
	o.Shutdown(context.Background())

	if n := len(store.chapterList("s1")); n != 1 {
		t.Fatalf("chapters = %d, want 1", n)
	}
}

func TestOrchestrator_ShutdownRefusesNewLoops(t *testing.T) {
	o := NewOrchestrator(newMemStore(), newScriptedGen(), nil, testOptions())
	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if o.Start(fmt.Sprintf("s-%d", time.Now().UnixNano())) {
		t.Fatal("Start after Shutdown should fail")
	}
}

type listenerFunc func(*models.Story, *models.Chapter)

func (f listenerFunc) ChapterCommitted(s *models.Story, ch *models.Chapter) { f(s, ch) }
