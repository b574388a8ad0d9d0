// internal/pipeline/prompt.go
package pipeline

import (
	"fmt"

	"github.com/Corphon/AIWriter/internal/models"
	"github.com/cloudwego/eino/schema"
)

// DefaultRawWindow 保留原文的最近历史条数
const DefaultRawWindow = 4

// PromptBuilder 构建智能体的对话上下文。
// 最近 RawWindow 条历史使用原文，更早的只用摘要，
// 因此提示长度不会随故事变长而无限增长。
type PromptBuilder struct {
	RawWindow int
}

// Messages 为 agent 构建消息列表。history 按时间倒序（最新在前）。
func (b PromptBuilder) Messages(story *models.Story, agent *models.Agent, history []*models.HistoryEntry) []*schema.Message {
	window := b.RawWindow
	if window < 0 {
		window = 0
	}

	messages := make([]*schema.Message, 0, len(history)+2)
	messages = append(messages,
		&schema.Message{Role: schema.System, Content: agent.Prompt},
		&schema.Message{Role: schema.User, Content: storyHeader(story)},
	)

	// 倒序输入，正序输出
	for i := len(history) - 1; i >= 0; i-- {
		entry := history[i]
		text := entry.Content
		if i >= window && entry.Abstract != "" {
			text = entry.Abstract
		}
		if text == "" {
			continue
		}

		role := schema.Assistant
		if entry.AuthoredByUser() {
			role = schema.User
		}
		messages = append(messages, &schema.Message{Role: role, Content: text})
	}

	return messages
}

// SummaryMessages 构建摘要智能体的输入
func SummaryMessages(agent *models.Agent, title, content string) []*schema.Message {
	return []*schema.Message{
		{Role: schema.System, Content: agent.Prompt},
		{Role: schema.User, Content: fmt.Sprintf("标题：\n%s\n\n正文：\n%s", title, content)},
	}
}

func storyHeader(story *models.Story) string {
	return fmt.Sprintf("Novel Title: %s\n\nNovel Description: %s\n\n", story.Title, story.Description)
}
