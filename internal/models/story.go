// internal/models/story.go
package models

import (
	"time"
)

// StoryStatus 小说的生命周期状态
type StoryStatus string

const (
	StatusDraft    StoryStatus = "Draft"
	StatusPaused   StoryStatus = "Paused"
	StatusWriting  StoryStatus = "Writing"
	StatusFinished StoryStatus = "Finished"
)

// Valid 检查状态是否属于已知集合
func (s StoryStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusPaused, StatusWriting, StatusFinished:
		return true
	}
	return false
}

// Story 表示一部由流水线续写的小说
type Story struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Status      StoryStatus `json:"status"`

	// 自动发布相关
	AutoPublish       bool   `json:"auto_publish"`
	PlatformAccountID string `json:"platform_account_id,omitempty"`
	PlatformNumber    string `json:"platform_number,omitempty"` // 平台上的作品编号

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StorySummary 列表页使用的精简视图
type StorySummary struct {
	*Story
	TotalWordCount     int    `json:"total_word_count"`
	LatestChapterTitle string `json:"latest_chapter_title,omitempty"`
	ChapterCount       int    `json:"chapter_count"`
}
