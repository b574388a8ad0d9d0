// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorRateLimited   = "RATE_LIMITED"
	ErrorConfiguration = "CONFIGURATION_ERROR"
	ErrorUpstream      = "UPSTREAM_ERROR"

	// 小说相关错误
	ErrorStoryNotFound   = "STORY_NOT_FOUND"
	ErrorChapterNotFound = "CHAPTER_NOT_FOUND"
	ErrorHistoryNotFound = "HISTORY_NOT_FOUND"
	ErrorInvalidStatus   = "INVALID_STATUS"
	ErrorWorkflowRunning = "WORKFLOW_RUNNING"

	// 配置相关错误
	ErrorAINotConfigured = "AI_NOT_CONFIGURED"
	ErrorInvalidAgents   = "INVALID_AGENTS"
	ErrorModelListFailed = "MODEL_LIST_FAILED"

	// 发布相关错误
	ErrorPublishFailed      = "PUBLISH_FAILED"
	ErrorPublishJobNotFound = "PUBLISH_JOB_NOT_FOUND"

	// WebSocket相关错误
	ErrorWebSocketUpgrade = "WEBSOCKET_UPGRADE_FAILED"
)
