package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Corphon/AIWriter/internal/browser"
	apperrors "github.com/Corphon/AIWriter/internal/errors"
	"github.com/Corphon/AIWriter/internal/models"
)

// recordingPage 记录执行过的动作
type recordingPage struct {
	mu      sync.Mutex
	actions []string
	missing map[string]bool
	failOn  string
}

func (p *recordingPage) record(s string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions = append(p.actions, s)
	if p.failOn != "" && strings.HasPrefix(s, p.failOn) {
		return errors.New("element detached")
	}
	return nil
}

func (p *recordingPage) Goto(ctx context.Context, url string) error { return p.record("goto " + url) }
func (p *recordingPage) WaitFor(ctx context.Context, sel string, d time.Duration) error {
	return p.record("wait " + sel)
}
func (p *recordingPage) Fill(ctx context.Context, sel, v string) error {
	return p.record("fill " + sel + "=" + v)
}
func (p *recordingPage) Click(ctx context.Context, sel string) error { return p.record("click " + sel) }
func (p *recordingPage) Exists(ctx context.Context, sel string) (bool, error) {
	return !p.missing[sel], nil
}
func (p *recordingPage) IsClosed() bool { return false }
func (p *recordingPage) Close() error   { return nil }

func (p *recordingPage) log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.actions...)
}

type fakePool struct {
	mu       sync.Mutex
	page     *recordingPage
	acquired int
	released int
	saves    int
}

func (f *fakePool) Acquire(ctx context.Context) (browser.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	return f.page, nil
}

func (f *fakePool) Release(page browser.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakePool) SaveState() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return nil
}

func (f *fakePool) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired, f.released
}

func publishFixture(t *testing.T, page *recordingPage) (*PublishingService, *fakePool, *models.Story, *models.Chapter) {
	t.Helper()
	store := newStore(t)
	catalog := NewPlatformCatalog([]models.Platform{{
		ID:         "demo",
		PublishURL: "https://example.com/book/%s/publish",
		Steps: []models.PublishStep{
			{Action: models.StepGoto, Value: "{{.URL}}"},
			{Action: models.StepWait, Selector: "#editor"},
			{Action: models.StepFill, Selector: "#num", Value: "{{.ChapterNumber}}"},
			{Action: models.StepFill, Selector: "#title", Value: "{{.ShortTitle}}"},
			{Action: models.StepFill, Selector: ".ProseMirror", Value: "{{.Content}}"},
			{Action: models.StepClick, Selector: "#publish"},
			{Action: models.StepClickIfPresent, Selector: "#confirm-risk"},
			{Action: models.StepClick, Selector: "#confirm"},
		},
	}})
	settings := NewSettingsService(store, catalog, "secret")
	account, err := settings.CreatePlatformAccount("u1", PlatformAccountInput{PlatformID: "demo", Username: "w", Password: "pw"})
	if err != nil {
		t.Fatal(err)
	}

	story := seedStory(t, store, "u1")
	story, _ = store.UpdateStory(story.ID, func(s *models.Story) error {
		s.PlatformAccountID = account.ID
		s.PlatformNumber = "7788"
		s.AutoPublish = true
		return nil
	})
	chapter := &models.Chapter{Title: "第十二章 归途", Content: "夜色渐深。"}
	store.AppendChapter(story.ID, chapter)

	pool := &fakePool{page: page}
	svc := NewPublishingService(store, settings, catalog, pool, NewJobTracker(nil))
	t.Cleanup(func() { svc.Close(context.Background()) })
	return svc, pool, story, chapter
}

func TestPublishingService_RunsScript(t *testing.T) {
	page := &recordingPage{missing: map[string]bool{"#confirm-risk": true}}
	svc, pool, story, chapter := publishFixture(t, page)

	job, err := svc.PublishChapter(context.Background(), story.ID, chapter.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != JobCompleted || job.Step != job.TotalSteps {
		t.Fatalf("job = %+v", job)
	}

	want := []string{
		"goto https://example.com/book/7788/publish",
		"wait #editor",
		"fill #num=12",
		"fill #title=归途",
		"fill .ProseMirror=夜色渐深。",
		"click #publish",
		"click #confirm",
	}
	got := page.log()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("actions =\n%v\nwant\n%v", got, want)
	}

	acquired, released := pool.counts()
	if acquired != 1 || released != 1 {
		t.Fatalf("acquired = %d, released = %d", acquired, released)
	}
	if pool.saves != 1 {
		t.Fatalf("cookie saves = %d", pool.saves)
	}
}

func TestPublishingService_ReleasesPageOnFailure(t *testing.T) {
	page := &recordingPage{failOn: "click #publish"}
	svc, pool, story, chapter := publishFixture(t, page)

	job, err := svc.PublishChapter(context.Background(), story.ID, chapter.ID)
	if !apperrors.IsExternalError(err) {
		t.Fatalf("err = %v, want external error", err)
	}
	if job.Status != JobFailed || !strings.Contains(job.Message, "click") {
		t.Fatalf("job = %+v", job)
	}
	if acquired, released := pool.counts(); acquired != released {
		t.Fatalf("page leaked: acquired = %d, released = %d", acquired, released)
	}
}

func TestPublishingService_RequiresBinding(t *testing.T) {
	page := &recordingPage{}
	svc, _, story, chapter := publishFixture(t, page)
	svc.store.UpdateStory(story.ID, func(s *models.Story) error {
		s.PlatformNumber = ""
		return nil
	})

	if _, err := svc.PublishChapter(context.Background(), story.ID, chapter.ID); !apperrors.IsConfigurationError(err) {
		t.Fatalf("err = %v, want configuration error", err)
	}
	if len(page.log()) != 0 {
		t.Fatal("no browser action expected")
	}
}

func TestPublishingService_AutoPublishOnCommit(t *testing.T) {
	page := &recordingPage{}
	svc, _, story, chapter := publishFixture(t, page)

	// 未开启自动发布时不触发
	manual := *story
	manual.AutoPublish = false
	svc.ChapterCommitted(&manual, chapter)
	if n := len(svc.Jobs().List(story.ID)); n != 0 {
		t.Fatalf("jobs = %d, want 0", n)
	}

	svc.ChapterCommitted(story, chapter)
	waitFor(t, "auto publish", func() bool {
		jobs := svc.Jobs().List(story.ID)
		return len(jobs) == 1 && jobs[0].Done()
	})

	if jobs := svc.Jobs().List(story.ID); jobs[0].Status != JobCompleted {
		t.Fatalf("job = %+v", jobs[0])
	}
}

func TestJobTracker_Cleanup(t *testing.T) {
	events := &eventRecorder{}
	tracker := NewJobTracker(events)
	job := tracker.Create("s1", "c1", 3)
	tracker.Advance(job.ID, 1, "goto")
	tracker.Complete(job.ID, "")

	// 结束后的更新被忽略
	tracker.Fail(job.ID, "late")
	got, _ := tracker.Get(job.ID)
	if got.Status != JobCompleted || got.Step != 3 {
		t.Fatalf("job = %+v", got)
	}
	if events.count(models.EventPublish) != 3 {
		t.Fatalf("publish events = %d", events.count(models.EventPublish))
	}

	if removed := tracker.Cleanup(-time.Second); removed != 1 {
		t.Fatalf("removed = %d", removed)
	}
}
