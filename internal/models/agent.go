// internal/models/agent.go
package models

// 流水线中各角色的位置。位置即调度键，名称只是展示用。
const (
	AgentOrderWriter     = 0
	AgentOrderOptimizer  = 1
	AgentOrderSummarizer = 2

	// MinPipelineAgents 启动写作循环所需的最少智能体数量
	MinPipelineAgents = 3
)

// Agent 流水线中的一个智能体配置
type Agent struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
	Order  int    `json:"order"`
}
