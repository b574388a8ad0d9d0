// internal/models/platform.go
package models

// 发布脚本支持的动作
const (
	StepGoto           = "goto"
	StepWait           = "wait"
	StepClick          = "click"
	StepClickIfPresent = "click_if_present"
	StepFill           = "fill"
	StepSleep          = "sleep"
)

// Platform 一个发布目标，来自 platforms.yaml
type Platform struct {
	ID         string        `yaml:"id" json:"id"`
	Name       string        `yaml:"name" json:"name"`
	PublishURL string        `yaml:"publish_url" json:"publish_url"` // 含一个 %s，替换为作品编号
	Steps      []PublishStep `yaml:"steps" json:"-"`
}

// PublishStep 发布脚本中的一步。Value 是 text/template 模板。
type PublishStep struct {
	Action   string `yaml:"action"`
	Selector string `yaml:"selector,omitempty"`
	Value    string `yaml:"value,omitempty"`
	WaitMS   int    `yaml:"wait_ms,omitempty"`
}
