// internal/services/settings_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	apperrors "github.com/Corphon/AIWriter/internal/errors"
	"github.com/Corphon/AIWriter/internal/llm"
	"github.com/Corphon/AIWriter/internal/models"
	"github.com/Corphon/AIWriter/internal/storage"
	"github.com/Corphon/AIWriter/internal/utils"
)

// PlatformCatalog platforms.yaml 中定义的发布平台
type PlatformCatalog struct {
	order []string
	byID  map[string]models.Platform
}

// NewPlatformCatalog 创建平台目录
func NewPlatformCatalog(platforms []models.Platform) *PlatformCatalog {
	c := &PlatformCatalog{byID: make(map[string]models.Platform, len(platforms))}
	for _, p := range platforms {
		if _, dup := c.byID[p.ID]; dup {
			continue
		}
		c.order = append(c.order, p.ID)
		c.byID[p.ID] = p
	}
	return c
}

// Get 按 ID 查找平台
func (c *PlatformCatalog) Get(id string) (models.Platform, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// List 按配置顺序列出平台
func (c *PlatformCatalog) List() []models.Platform {
	out := make([]models.Platform, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// SettingsService 用户设置、智能体和平台账号。密钥和密码加密后保存。
type SettingsService struct {
	store     *storage.Store
	catalog   *PlatformCatalog
	secretKey string
	logger    *utils.Logger
}

// NewSettingsService 创建设置服务
func NewSettingsService(store *storage.Store, catalog *PlatformCatalog, secretKey string) *SettingsService {
	return &SettingsService{
		store:     store,
		catalog:   catalog,
		secretKey: secretKey,
		logger:    utils.GetLogger(),
	}
}

// SettingsUpdate 设置修改。APIKey 为 nil 时保留原密钥，为空字符串时清除。
type SettingsUpdate struct {
	AIProxyURL string  `json:"ai_proxy_url"`
	APIKey     *string `json:"api_key,omitempty"`
}

// GetSettings 返回不含密钥的设置视图
func (s *SettingsService) GetSettings(userID string) (*models.SettingsView, error) {
	settings, err := s.store.GetSettings(userID)
	if err != nil {
		return nil, apperrors.NewProcessingError("读取设置失败", err)
	}
	return &models.SettingsView{
		UserID:        userID,
		AIProxyURL:    settings.AIProxyURL,
		APIKeyPresent: settings.EncryptedAPIKey != "",
	}, nil
}

// UpdateSettings 保存代理地址和密钥
func (s *SettingsService) UpdateSettings(userID string, update SettingsUpdate) (*models.SettingsView, error) {
	proxy := strings.TrimSpace(update.AIProxyURL)
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, apperrors.NewValidationError("AI代理地址必须是 http(s) URL", err)
		}
	}

	settings, err := s.store.GetSettings(userID)
	if err != nil {
		return nil, apperrors.NewProcessingError("读取设置失败", err)
	}
	settings.UserID = userID
	settings.AIProxyURL = strings.TrimRight(proxy, "/")

	if update.APIKey != nil {
		encrypted, err := utils.Encrypt(strings.TrimSpace(*update.APIKey), s.secretKey)
		if err != nil {
			return nil, apperrors.NewProcessingError("加密API密钥失败", err)
		}
		settings.EncryptedAPIKey = encrypted
	}

	if err := s.store.SaveSettings(settings); err != nil {
		return nil, apperrors.NewProcessingError("保存设置失败", err)
	}
	return s.GetSettings(userID)
}

// ResolveEndpoint 实现 llm.EndpointResolver
func (s *SettingsService) ResolveEndpoint(ctx context.Context, userID string) (llm.Endpoint, error) {
	settings, err := s.store.GetSettings(userID)
	if err != nil {
		return llm.Endpoint{}, err
	}
	apiKey, err := utils.Decrypt(settings.EncryptedAPIKey, s.secretKey)
	if err != nil {
		return llm.Endpoint{}, fmt.Errorf("解密API密钥失败: %w", err)
	}
	return llm.Endpoint{BaseURL: settings.AIProxyURL, APIKey: apiKey}, nil
}

// ---- 智能体 ----

// ListAgents 按流水线顺序列出智能体
func (s *SettingsService) ListAgents(userID string) ([]*models.Agent, error) {
	agents, err := s.store.ListAgents(userID)
	if err != nil {
		return nil, apperrors.NewProcessingError("读取智能体失败", err)
	}
	if agents == nil {
		agents = []*models.Agent{}
	}
	return agents, nil
}

// ReplaceAgents 整体替换智能体流水线。Order 不可重复。
func (s *SettingsService) ReplaceAgents(userID string, agents []*models.Agent) ([]*models.Agent, error) {
	seen := make(map[int]bool, len(agents))
	for i, a := range agents {
		if err := validateAgent(i, a); err != nil {
			return nil, err
		}
		if seen[a.Order] {
			return nil, apperrors.NewValidationError(fmt.Sprintf("智能体顺序重复: %d", a.Order), nil)
		}
		seen[a.Order] = true
	}

	if err := s.store.ReplaceAgents(userID, agents); err != nil {
		return nil, apperrors.NewProcessingError("保存智能体失败", err)
	}
	if len(agents) < models.MinPipelineAgents {
		s.logger.Warn("智能体少于流水线所需数量，写作时故事会被暂停", map[string]interface{}{
			"user_id": userID,
			"agents":  len(agents),
		})
	}
	return s.ListAgents(userID)
}

func validateAgent(i int, a *models.Agent) error {
	if a == nil {
		return apperrors.NewValidationError(fmt.Sprintf("第 %d 个智能体为空", i+1), nil)
	}
	if strings.TrimSpace(a.Name) == "" || strings.TrimSpace(a.Model) == "" {
		return apperrors.NewValidationError(fmt.Sprintf("第 %d 个智能体缺少名称或模型", i+1), nil)
	}
	if a.Order < 0 {
		return apperrors.NewValidationError("智能体顺序不能为负数", nil)
	}
	return nil
}

// SaveAgent 新建或更新单个智能体，顺序不能与其他智能体重复
func (s *SettingsService) SaveAgent(userID string, agent *models.Agent) (*models.Agent, error) {
	if err := validateAgent(0, agent); err != nil {
		return nil, err
	}
	existing, err := s.store.ListAgents(userID)
	if err != nil {
		return nil, apperrors.NewProcessingError("读取智能体失败", err)
	}
	for _, a := range existing {
		if a.ID != agent.ID && a.Order == agent.Order {
			return nil, apperrors.NewValidationError(fmt.Sprintf("智能体顺序重复: %d", agent.Order), nil)
		}
	}

	agent.UserID = userID
	if err := s.store.SaveAgent(agent); err != nil {
		return nil, apperrors.NewProcessingError("保存智能体失败", err)
	}
	return agent, nil
}

// DeleteAgent 从流水线中移除一个智能体
func (s *SettingsService) DeleteAgent(userID, agentID string) error {
	err := s.store.DeleteAgent(userID, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.NewNotFoundError("智能体不存在", err)
	}
	if err != nil {
		return apperrors.NewProcessingError("删除智能体失败", err)
	}
	return nil
}

// ---- 平台账号 ----

// PlatformAccountInput 新建平台账号的参数
type PlatformAccountInput struct {
	PlatformID string `json:"platform_id"`
	Username   string `json:"username"`
	Password   string `json:"password"`
}

// ListPlatformAccounts 列出账号，不返回密码
func (s *SettingsService) ListPlatformAccounts(userID string) ([]*models.PlatformAccount, error) {
	accounts, err := s.store.ListPlatformAccounts(userID)
	if err != nil {
		return nil, apperrors.NewProcessingError("读取平台账号失败", err)
	}
	out := make([]*models.PlatformAccount, 0, len(accounts))
	for _, a := range accounts {
		view := *a
		view.EncryptedPassword = ""
		out = append(out, &view)
	}
	return out, nil
}

// CreatePlatformAccount 保存平台账号，密码加密存储
func (s *SettingsService) CreatePlatformAccount(userID string, input PlatformAccountInput) (*models.PlatformAccount, error) {
	if _, ok := s.catalog.Get(input.PlatformID); !ok {
		return nil, apperrors.NewValidationError("未知的发布平台: "+input.PlatformID, nil)
	}
	if strings.TrimSpace(input.Username) == "" {
		return nil, apperrors.NewValidationError("用户名不能为空", nil)
	}

	encrypted, err := utils.Encrypt(input.Password, s.secretKey)
	if err != nil {
		return nil, apperrors.NewProcessingError("加密密码失败", err)
	}

	account := &models.PlatformAccount{
		UserID:            userID,
		PlatformID:        input.PlatformID,
		Username:          strings.TrimSpace(input.Username),
		EncryptedPassword: encrypted,
	}
	if err := s.store.SavePlatformAccount(account); err != nil {
		return nil, apperrors.NewProcessingError("保存平台账号失败", err)
	}

	view := *account
	view.EncryptedPassword = ""
	return &view, nil
}

// DeletePlatformAccount 删除平台账号
func (s *SettingsService) DeletePlatformAccount(userID, accountID string) error {
	err := s.store.DeletePlatformAccount(userID, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.NewNotFoundError("平台账号不存在", err)
	}
	if err != nil {
		return apperrors.NewProcessingError("删除平台账号失败", err)
	}
	return nil
}

// Credentials 返回账号及解密后的密码，供发布使用
func (s *SettingsService) Credentials(userID, accountID string) (*models.PlatformAccount, string, error) {
	account, err := s.store.GetPlatformAccount(userID, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", apperrors.NewConfigurationError("故事绑定的平台账号不存在", err)
	}
	if err != nil {
		return nil, "", apperrors.NewProcessingError("读取平台账号失败", err)
	}
	password, err := utils.Decrypt(account.EncryptedPassword, s.secretKey)
	if err != nil {
		return nil, "", apperrors.NewConfigurationError("解密平台密码失败", err)
	}
	return account, password, nil
}

// Platforms 可用的发布平台
func (s *SettingsService) Platforms() []models.Platform {
	return s.catalog.List()
}
