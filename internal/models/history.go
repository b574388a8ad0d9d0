// internal/models/history.go
package models

import "time"

// HistoryEntry 一条对话历史。AgentID 为空表示由用户本人撰写。
type HistoryEntry struct {
	ID            string    `json:"id"`
	StoryID       string    `json:"story_id"`
	AgentID       *string   `json:"agent_id,omitempty"`
	Content       string    `json:"content"`
	Abstract      string    `json:"abstract"` // 长上下文提示时代替全文
	ShowInHistory bool      `json:"show_in_history"`
	IsUserMessage bool      `json:"is_user_message"`
	Timestamp     time.Time `json:"timestamp"`
}

// AuthoredByUser 是否为用户手写的条目
func (h *HistoryEntry) AuthoredByUser() bool {
	return h.AgentID == nil || h.IsUserMessage
}

// HistoryView 进度接口返回的条目
type HistoryView struct {
	ID        string    `json:"id"`
	AgentName string    `json:"agent_name,omitempty"`
	Content   string    `json:"content"`
	Abstract  string    `json:"abstract"`
	Timestamp time.Time `json:"timestamp"`
}
