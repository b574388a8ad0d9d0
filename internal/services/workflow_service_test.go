package services

import (
	"context"
	"fmt"
	"strings"
	"testing"

	apperrors "github.com/Corphon/AIWriter/internal/errors"
	"github.com/Corphon/AIWriter/internal/llm"
	"github.com/Corphon/AIWriter/internal/models"
)

func TestWorkflowService_StatusTriggersLoop(t *testing.T) {
	store := newStore(t)
	story := seedStory(t, store, "u1")
	loops := newFakeLoops()
	events := &eventRecorder{}
	svc := NewWorkflowService(store, loops, newScriptedGen(), events)

	updated, err := svc.SetStatus(story.ID, models.StatusWriting)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != models.StatusWriting || !loops.Running(story.ID) {
		t.Fatalf("status = %s, running = %v", updated.Status, loops.Running(story.ID))
	}

	if _, err := svc.SetStatus(story.ID, models.StatusPaused); err != nil {
		t.Fatal(err)
	}
	if loops.Running(story.ID) {
		t.Fatal("loop should be stopped")
	}
	persisted, _ := store.GetStory(story.ID)
	if persisted.Status != models.StatusPaused {
		t.Fatalf("persisted status = %s", persisted.Status)
	}
	if events.count(models.EventStatus) != 2 {
		t.Fatalf("status events = %d", events.count(models.EventStatus))
	}
}

func TestWorkflowService_SetStatusValidation(t *testing.T) {
	store := newStore(t)
	story := seedStory(t, store, "u1")
	svc := NewWorkflowService(store, newFakeLoops(), newScriptedGen(), nil)

	if _, err := svc.SetStatus(story.ID, "Dancing"); !apperrors.IsValidationError(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if _, err := svc.SetStatus("missing", models.StatusWriting); !apperrors.IsNotFoundError(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestWorkflowService_ResumeWriting(t *testing.T) {
	store := newStore(t)
	a := seedStory(t, store, "u1")
	b := seedStory(t, store, "u2")
	seedStory(t, store, "u3")
	store.UpdateStoryStatus(a.ID, models.StatusWriting)
	store.UpdateStoryStatus(b.ID, models.StatusWriting)

	loops := newFakeLoops()
	svc := NewWorkflowService(store, loops, newScriptedGen(), nil)
	n, err := svc.ResumeWriting()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || !loops.Running(a.ID) || !loops.Running(b.ID) {
		t.Fatalf("resumed = %d", n)
	}
}

func TestWorkflowService_ProgressLimitsHistory(t *testing.T) {
	store := newStore(t)
	story := seedStory(t, store, "u1")
	agents := seedPipeline(t, store, "u1")
	svc := NewWorkflowService(store, newFakeLoops(), newScriptedGen(), nil)

	for i := 0; i < 25; i++ {
		agentID := agents[i%2].ID
		store.AppendHistory(story.ID, &models.HistoryEntry{AgentID: &agentID, Content: fmt.Sprintf("c%d", i)})
	}
	if _, err := svc.AddUserMessage(story.ID, "请加入一场风暴"); err != nil {
		t.Fatal(err)
	}

	progress, err := svc.Progress(story.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(progress.History) != ProgressHistoryLimit {
		t.Fatalf("history = %d, want %d", len(progress.History), ProgressHistoryLimit)
	}
	if progress.History[0].AgentName != "用户" || progress.History[0].Content != "请加入一场风暴" {
		t.Fatalf("newest entry = %+v", progress.History[0])
	}
	if progress.History[1].AgentName != "作家" {
		t.Fatalf("agent name = %q", progress.History[1].AgentName)
	}
}

func TestWorkflowService_AddUserMessageRejectsBlank(t *testing.T) {
	store := newStore(t)
	story := seedStory(t, store, "u1")
	svc := NewWorkflowService(store, newFakeLoops(), newScriptedGen(), nil)

	if _, err := svc.AddUserMessage(story.ID, "   "); !apperrors.IsValidationError(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestWorkflowService_UpdateHistoryAbstractRule(t *testing.T) {
	store := newStore(t)
	story := seedStory(t, store, "u1")
	svc := NewWorkflowService(store, newFakeLoops(), newScriptedGen(), nil)

	entry := &models.HistoryEntry{Content: "旧", Abstract: "旧摘要"}
	store.AppendHistory(story.ID, entry)

	short, err := svc.UpdateHistory(story.ID, entry.ID, "新内容")
	if err != nil {
		t.Fatal(err)
	}
	if short.Abstract != "新内容" {
		t.Fatalf("short edit abstract = %q", short.Abstract)
	}

	long := strings.Repeat("长", 2500)
	updated, err := svc.UpdateHistory(story.ID, entry.ID, long)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Abstract != "新内容" {
		t.Fatalf("long edit must keep previous abstract, got %d runes", len([]rune(updated.Abstract)))
	}
}

func TestWorkflowService_ClearRequiresIdle(t *testing.T) {
	store := newStore(t)
	story := seedStory(t, store, "u1")
	loops := newFakeLoops()
	svc := NewWorkflowService(store, loops, newScriptedGen(), nil)

	loops.Start(story.ID)
	if err := svc.ClearChapters(story.ID); !apperrors.IsConflictError(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
	loops.Stop(story.ID)

	store.AppendChapter(story.ID, &models.Chapter{Title: "第一章"})
	if err := svc.ClearChapters(story.ID); err != nil {
		t.Fatal(err)
	}
	if chapters, _ := store.ListChapters(story.ID); len(chapters) != 0 {
		t.Fatalf("chapters = %d", len(chapters))
	}
}

func TestWorkflowService_RegenerateAbstract(t *testing.T) {
	store := newStore(t)
	story := seedStory(t, store, "u1")
	seedPipeline(t, store, "u1")
	gen := newScriptedGen()
	gen.on("summarizer", constant("新摘要"))
	svc := NewWorkflowService(store, newFakeLoops(), gen, nil)

	entry := &models.HistoryEntry{Content: "**第二章 风暴**\n\n巨浪拍打着船身。", Abstract: "旧"}
	store.AppendHistory(story.ID, entry)

	updated, err := svc.RegenerateAbstract(context.Background(), story.ID, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Abstract != "新摘要" {
		t.Fatalf("abstract = %q", updated.Abstract)
	}
	input := gen.firstCall("summarizer")
	if input[1].Content != "标题：\n第二章 风暴\n\n正文：\n巨浪拍打着船身。" {
		t.Fatalf("summarizer input = %q", input[1].Content)
	}
}

func TestWorkflowService_RegenerateAbstractSentinel(t *testing.T) {
	store := newStore(t)
	story := seedStory(t, store, "u1")
	seedPipeline(t, store, "u1")
	gen := newScriptedGen()
	gen.on("summarizer", constant(llm.SentinelNotConfigured))
	svc := NewWorkflowService(store, newFakeLoops(), gen, nil)

	entry := &models.HistoryEntry{Content: "第二章 风暴\n巨浪。", Abstract: "旧"}
	store.AppendHistory(story.ID, entry)

	if _, err := svc.RegenerateAbstract(context.Background(), story.ID, entry.ID); !apperrors.IsExternalError(err) {
		t.Fatalf("err = %v, want external error", err)
	}
	history, _ := store.ListHistory(story.ID)
	if history[0].Abstract != "旧" {
		t.Fatal("abstract must not change on failure")
	}
}
