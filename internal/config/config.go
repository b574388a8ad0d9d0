// internal/config/config.go
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config 存储进程级配置，全部来自环境变量（可选 .env 文件）
type Config struct {
	Port      string
	DataDir   string
	LogDir    string
	ConfigDir string
	DebugMode bool

	// SecretKey 用于加密保存的 API 密钥和平台密码
	SecretKey string

	// 浏览器自动化
	CookieFile      string
	BrowserHeadless bool

	// 单次生成请求的超时，外部模型可能要跑十几分钟
	GenerationTimeout time.Duration
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DataDir:           getEnvPath("DATA_DIR", "data"),
		LogDir:            getEnvPath("LOG_DIR", "logs"),
		ConfigDir:         getEnv("CONFIG_DIR", "configs"),
		DebugMode:         getEnvBool("DEBUG_MODE", true),
		SecretKey:         getEnv("SECRET_KEY", ""),
		CookieFile:        getEnv("COOKIE_FILE", filepath.Join("data", "cookies.json")),
		BrowserHeadless:   getEnvBool("BROWSER_HEADLESS", true),
		GenerationTimeout: getEnvDuration("GENERATION_TIMEOUT", 20*time.Minute),
	}

	if cfg.SecretKey == "" {
		// 只记录警告，不返回错误
		log.Println("警告: 未设置SECRET_KEY，保存的密钥将使用默认口令加密")
		cfg.SecretKey = "aiwriter-default-secret"
	}

	if cfg.GenerationTimeout <= 0 {
		return nil, fmt.Errorf("GENERATION_TIMEOUT 必须为正数")
	}

	return cfg, nil
}

// PipelineFile writer.yaml 的路径
func (c *Config) PipelineFile() string {
	return filepath.Join(c.ConfigDir, "writer.yaml")
}

// PlatformsFile platforms.yaml 的路径
func (c *Config) PlatformsFile() string {
	return filepath.Join(c.ConfigDir, "platforms.yaml")
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，并确保目录存在
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// getEnvDuration 获取时长类型环境变量，支持 "20m" 或纯秒数
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Printf("警告: 无法解析 %s=%q，使用默认值 %s", key, value, defaultValue)
	return defaultValue
}
