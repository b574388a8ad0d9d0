// internal/models/settings.go
package models

// UserSettings 用户级的AI代理配置
type UserSettings struct {
	UserID          string `json:"user_id"`
	AIProxyURL      string `json:"ai_proxy_url"`
	EncryptedAPIKey string `json:"encrypted_api_key,omitempty"`
}

// SettingsView 对外返回的配置，不包含密钥本身
type SettingsView struct {
	UserID        string `json:"user_id"`
	AIProxyURL    string `json:"ai_proxy_url"`
	APIKeyPresent bool   `json:"api_key_present"`
}

// PlatformAccount 用户在某个发布平台上的账号
type PlatformAccount struct {
	ID                string `json:"id"`
	UserID            string `json:"user_id"`
	PlatformID        string `json:"platform_id"`
	Username          string `json:"username"`
	EncryptedPassword string `json:"encrypted_password,omitempty"`
}
