// internal/models/event.go
package models

import "time"

// EventType 写作循环推送给前端的事件类型
type EventType string

const (
	EventHistory EventType = "history"
	EventChapter EventType = "chapter"
	EventStatus  EventType = "status"
	EventPublish EventType = "publish"
	EventError   EventType = "error"
)

// StoryEvent 写作循环产生的事件
type StoryEvent struct {
	Type      EventType   `json:"type"`
	StoryID   string      `json:"story_id"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
