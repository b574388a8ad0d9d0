package pipeline

import (
	"fmt"
	"strings"
	"testing"

	"github.com/Corphon/AIWriter/internal/models"
	"github.com/cloudwego/eino/schema"
)

func agentID(s string) *string { return &s }

// newestFirst 生成 n 条历史，索引 0 最新
func newestFirst(n int) []*models.HistoryEntry {
	entries := make([]*models.HistoryEntry, n)
	for i := 0; i < n; i++ {
		seq := n - i
		entries[i] = &models.HistoryEntry{
			ID:       fmt.Sprintf("h%d", seq),
			AgentID:  agentID("writer"),
			Content:  fmt.Sprintf("content-%d", seq),
			Abstract: fmt.Sprintf("abstract-%d", seq),
		}
	}
	return entries
}

func TestPromptBuilder_Window(t *testing.T) {
	story := &models.Story{Title: "海风", Description: "航海故事"}
	agent := &models.Agent{Prompt: "你是作家"}

	msgs := PromptBuilder{RawWindow: 4}.Messages(story, agent, newestFirst(6))

	if len(msgs) != 8 {
		t.Fatalf("len = %d, want 8", len(msgs))
	}
	if msgs[0].Role != schema.System || msgs[0].Content != "你是作家" {
		t.Fatalf("unexpected system message: %+v", msgs[0])
	}
	if !strings.Contains(msgs[1].Content, "Novel Title: 海风") || !strings.Contains(msgs[1].Content, "航海故事") {
		t.Fatalf("unexpected header: %q", msgs[1].Content)
	}

	want := []string{"abstract-1", "abstract-2", "content-3", "content-4", "content-5", "content-6"}
	for i, w := range want {
		got := msgs[i+2]
		if got.Content != w {
			t.Errorf("msg[%d] = %q, want %q", i+2, got.Content, w)
		}
		if got.Role != schema.Assistant {
			t.Errorf("msg[%d] role = %s, want assistant", i+2, got.Role)
		}
	}
}

func TestPromptBuilder_UserEntriesAndEmptyAbstract(t *testing.T) {
	story := &models.Story{Title: "t"}
	agent := &models.Agent{Prompt: "p"}
	history := []*models.HistoryEntry{
		{ID: "new", Content: "请加快节奏", IsUserMessage: true},
		{ID: "old", AgentID: agentID("w"), Content: "很早的正文"},
	}

	msgs := PromptBuilder{RawWindow: 1}.Messages(story, agent, history)
	if len(msgs) != 4 {
		t.Fatalf("len = %d, want 4", len(msgs))
	}
	// older entry without abstract falls back to content
	if msgs[2].Content != "很早的正文" {
		t.Errorf("msg[2] = %q", msgs[2].Content)
	}
	if msgs[3].Role != schema.User || msgs[3].Content != "请加快节奏" {
		t.Errorf("msg[3] = %+v", msgs[3])
	}
}

func TestSummaryMessages(t *testing.T) {
	msgs := SummaryMessages(&models.Agent{Prompt: "总结"}, "第一章 开端", "正文")
	if len(msgs) != 2 {
		t.Fatalf("len = %d", len(msgs))
	}
	if msgs[1].Content != "标题：\n第一章 开端\n\n正文：\n正文" {
		t.Errorf("unexpected summary input %q", msgs[1].Content)
	}
}
