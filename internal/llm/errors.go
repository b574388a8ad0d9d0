// internal/llm/errors.go
package llm

import "errors"

// ErrNotConfigured 用户尚未配置生成接口地址或密钥
var ErrNotConfigured = errors.New("AI接口未配置")
