// internal/config/pipeline.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Corphon/AIWriter/internal/models"
	"gopkg.in/yaml.v3"
)

// PipelineConfig writer.yaml 中的流水线调优参数
type PipelineConfig struct {
	SatisfiedToken   string        `yaml:"satisfied_token"`
	RejectedToken    string        `yaml:"rejected_token"`
	MinChapterLength int           `yaml:"min_chapter_length"`
	RawContextWindow int           `yaml:"raw_context_window"`
	LoopInterval     time.Duration `yaml:"loop_interval"`

	Generation GenerationConfig `yaml:"generation"`
	Browser    BrowserConfig    `yaml:"browser"`
}

// GenerationConfig 生成接口的重试与采样参数
type GenerationConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	EmptyBackoff     time.Duration `yaml:"empty_backoff"`
	Temperature      float64       `yaml:"temperature"`
	TopP             float64       `yaml:"top_p"`
	FrequencyPenalty float64       `yaml:"frequency_penalty"`
	PresencePenalty  float64       `yaml:"presence_penalty"`
}

// BrowserConfig 页面池参数
type BrowserConfig struct {
	EvictInterval time.Duration `yaml:"evict_interval"`
}

// DefaultPipelineConfig 未提供 writer.yaml 时使用的默认值
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		SatisfiedToken:   "满意",
		RejectedToken:    "不满意",
		MinChapterLength: 3000,
		RawContextWindow: 4,
		LoopInterval:     time.Second,
		Generation: GenerationConfig{
			MaxRetries:       20,
			EmptyBackoff:     time.Second,
			Temperature:      0.6,
			TopP:             0.9,
			FrequencyPenalty: 0.8,
			PresencePenalty:  0.5,
		},
		Browser: BrowserConfig{
			EvictInterval: 5 * time.Minute,
		},
	}
}

// LoadPipelineConfig 读取 writer.yaml，文件缺失时返回默认值。
// 文件中未出现的字段保留默认值。
func LoadPipelineConfig(path string) (PipelineConfig, error) {
	cfg := DefaultPipelineConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("读取流水线配置失败: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("解析流水线配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate 检查参数是否可用
func (c PipelineConfig) Validate() error {
	switch {
	case c.SatisfiedToken == "":
		return fmt.Errorf("satisfied_token 不能为空")
	case c.MinChapterLength < 0:
		return fmt.Errorf("min_chapter_length 不能为负数")
	case c.RawContextWindow < 0:
		return fmt.Errorf("raw_context_window 不能为负数")
	case c.Generation.MaxRetries < 0:
		return fmt.Errorf("generation.max_retries 不能为负数")
	case c.Browser.EvictInterval <= 0:
		return fmt.Errorf("browser.evict_interval 必须为正数")
	}
	return nil
}

type platformsFile struct {
	Platforms []models.Platform `yaml:"platforms"`
}

// LoadPlatforms 读取 platforms.yaml。文件缺失时返回空列表。
func LoadPlatforms(path string) ([]models.Platform, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取平台配置失败: %w", err)
	}

	var file platformsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析平台配置失败: %w", err)
	}

	seen := make(map[string]bool, len(file.Platforms))
	for i, p := range file.Platforms {
		if p.ID == "" {
			return nil, fmt.Errorf("第 %d 个平台缺少 id", i+1)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("平台 id 重复: %s", p.ID)
		}
		seen[p.ID] = true
		for j, step := range p.Steps {
			if !knownStep(step.Action) {
				return nil, fmt.Errorf("平台 %s 第 %d 步动作未知: %q", p.ID, j+1, step.Action)
			}
		}
	}
	return file.Platforms, nil
}

func knownStep(action string) bool {
	switch action {
	case models.StepGoto, models.StepWait, models.StepClick, models.StepClickIfPresent,
		models.StepFill, models.StepSleep:
		return true
	}
	return false
}
