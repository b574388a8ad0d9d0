// internal/storage/store.go
package storage

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/Corphon/AIWriter/internal/models"
	"github.com/google/uuid"
)

// 目录布局：
//
//	stories/{id}/story.json | history.json | chapters.json
//	users/{uid}/agents.json | settings.json | platforms.json
const (
	storiesDir = "stories"
	usersDir   = "users"

	storyFile    = "story.json"
	historyFile  = "history.json"
	chaptersFile = "chapters.json"
	agentsFile   = "agents.json"
	settingsFile = "settings.json"
	accountsFile = "platforms.json"
)

// Store 领域存储。同一故事或同一用户的读改写在 KeyedLocks 下串行执行，
// 每次持久化要么完整成功要么返回错误。
type Store struct {
	fs    *FileStorage
	locks *KeyedLocks
	now   func() time.Time
}

// NewStore 在 dataDir 下创建存储
func NewStore(dataDir string) (*Store, error) {
	fs, err := NewFileStorage(dataDir)
	if err != nil {
		return nil, err
	}
	return &Store{fs: fs, locks: NewKeyedLocks(0), now: time.Now}, nil
}

// Close 释放后台资源
func (s *Store) Close() {
	s.fs.Close()
}

func storyDir(id string) string { return filepath.Join(storiesDir, id) }
func userDir(id string) string  { return filepath.Join(usersDir, id) }
func storyKey(id string) string { return "story:" + id }
func userKey(id string) string  { return "user:" + id }

func newID() string { return uuid.New().String() }

// ---- 故事 ----

// CreateStory 保存新故事，ID 为空时自动生成
func (s *Store) CreateStory(story *models.Story) error {
	if story.ID == "" {
		story.ID = newID()
	}
	if story.Status == "" {
		story.Status = models.StatusDraft
	}
	now := s.now()
	story.CreatedAt, story.UpdatedAt = now, now

	return s.locks.With(storyKey(story.ID), func() error {
		if s.fs.Exists(storyDir(story.ID), storyFile) {
			return fmt.Errorf("故事已存在: %s", story.ID)
		}
		return s.fs.WriteJSON(storyDir(story.ID), storyFile, story)
	})
}

// GetStory 读取故事
func (s *Store) GetStory(id string) (*models.Story, error) {
	var story models.Story
	if err := s.fs.ReadJSON(storyDir(id), storyFile, &story); err != nil {
		return nil, err
	}
	return &story, nil
}

// UpdateStory 在故事锁下修改并保存
func (s *Store) UpdateStory(id string, fn func(*models.Story) error) (*models.Story, error) {
	var updated *models.Story
	err := s.locks.With(storyKey(id), func() error {
		story, err := s.GetStory(id)
		if err != nil {
			return err
		}
		if err := fn(story); err != nil {
			return err
		}
		story.ID = id
		story.UpdatedAt = s.now()
		if err := s.fs.WriteJSON(storyDir(id), storyFile, story); err != nil {
			return err
		}
		updated = story
		return nil
	})
	return updated, err
}

// UpdateStoryStatus 只修改状态
func (s *Store) UpdateStoryStatus(id string, status models.StoryStatus) error {
	_, err := s.UpdateStory(id, func(story *models.Story) error {
		story.Status = status
		return nil
	})
	return err
}

// ListStories 列出故事，userID 为空时列出全部。按创建时间倒序。
func (s *Store) ListStories(userID string) ([]*models.Story, error) {
	ids, err := s.fs.ListDirs(storiesDir)
	if err != nil {
		return nil, err
	}

	stories := make([]*models.Story, 0, len(ids))
	for _, id := range ids {
		story, err := s.GetStory(id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if userID != "" && story.UserID != userID {
			continue
		}
		stories = append(stories, story)
	}

	sort.Slice(stories, func(i, j int) bool {
		return stories[i].CreatedAt.After(stories[j].CreatedAt)
	})
	return stories, nil
}

// DeleteStory 删除故事及其历史和章节
func (s *Store) DeleteStory(id string) error {
	return s.locks.With(storyKey(id), func() error {
		return s.fs.RemoveDir(storyDir(id))
	})
}

// ---- 历史 ----

func (s *Store) loadHistory(storyID string) ([]*models.HistoryEntry, error) {
	var entries []*models.HistoryEntry
	err := s.fs.ReadJSON(storyDir(storyID), historyFile, &entries)
	if err == ErrNotFound {
		return nil, nil
	}
	return entries, err
}

// ListHistory 返回故事的全部历史，最新在前
func (s *Store) ListHistory(storyID string) ([]*models.HistoryEntry, error) {
	entries, err := s.loadHistory(storyID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	return entries, nil
}

// AppendHistory 追加历史条目。时间戳保证严格递增，保持写入顺序。
func (s *Store) AppendHistory(storyID string, entries ...*models.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.locks.With(storyKey(storyID), func() error {
		if !s.fs.Exists(storyDir(storyID), storyFile) {
			return ErrNotFound
		}
		existing, err := s.loadHistory(storyID)
		if err != nil {
			return err
		}

		var last time.Time
		for _, e := range existing {
			if e.Timestamp.After(last) {
				last = e.Timestamp
			}
		}

		for _, e := range entries {
			if e.ID == "" {
				e.ID = newID()
			}
			e.StoryID = storyID
			ts := s.now()
			if !ts.After(last) {
				ts = last.Add(time.Microsecond)
			}
			e.Timestamp = ts
			last = ts
			existing = append(existing, e)
		}
		return s.fs.WriteJSON(storyDir(storyID), historyFile, existing)
	})
}

// UpdateHistoryEntry 修改一条历史
func (s *Store) UpdateHistoryEntry(storyID, entryID string, fn func(*models.HistoryEntry)) (*models.HistoryEntry, error) {
	var updated *models.HistoryEntry
	err := s.locks.With(storyKey(storyID), func() error {
		entries, err := s.loadHistory(storyID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.ID == entryID {
				fn(e)
				e.ID, e.StoryID = entryID, storyID
				updated = e
				return s.fs.WriteJSON(storyDir(storyID), historyFile, entries)
			}
		}
		return ErrNotFound
	})
	return updated, err
}

// DeleteHistoryEntry 删除一条历史
func (s *Store) DeleteHistoryEntry(storyID, entryID string) error {
	return s.locks.With(storyKey(storyID), func() error {
		entries, err := s.loadHistory(storyID)
		if err != nil {
			return err
		}
		for i, e := range entries {
			if e.ID == entryID {
				entries = append(entries[:i], entries[i+1:]...)
				return s.fs.WriteJSON(storyDir(storyID), historyFile, entries)
			}
		}
		return ErrNotFound
	})
}

// ClearHistory 清空历史
func (s *Store) ClearHistory(storyID string) error {
	return s.locks.With(storyKey(storyID), func() error {
		return s.fs.WriteJSON(storyDir(storyID), historyFile, []*models.HistoryEntry{})
	})
}

// ---- 章节 ----

func (s *Store) loadChapters(storyID string) ([]*models.Chapter, error) {
	var chapters []*models.Chapter
	err := s.fs.ReadJSON(storyDir(storyID), chaptersFile, &chapters)
	if err == ErrNotFound {
		return nil, nil
	}
	return chapters, err
}

// ListChapters 按 Order 升序返回章节
func (s *Store) ListChapters(storyID string) ([]*models.Chapter, error) {
	chapters, err := s.loadChapters(storyID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(chapters, func(i, j int) bool { return chapters[i].Order < chapters[j].Order })
	return chapters, nil
}

// GetChapter 读取单个章节
func (s *Store) GetChapter(storyID, chapterID string) (*models.Chapter, error) {
	chapters, err := s.loadChapters(storyID)
	if err != nil {
		return nil, err
	}
	for _, ch := range chapters {
		if ch.ID == chapterID {
			return ch, nil
		}
	}
	return nil, ErrNotFound
}

// AppendChapter 追加章节，Order 在故事锁下取 max(order)+1
func (s *Store) AppendChapter(storyID string, chapter *models.Chapter) error {
	return s.locks.With(storyKey(storyID), func() error {
		if !s.fs.Exists(storyDir(storyID), storyFile) {
			return ErrNotFound
		}
		chapters, err := s.loadChapters(storyID)
		if err != nil {
			return err
		}

		last := 0
		for _, ch := range chapters {
			if ch.Order > last {
				last = ch.Order
			}
		}

		if chapter.ID == "" {
			chapter.ID = newID()
		}
		now := s.now()
		chapter.StoryID = storyID
		chapter.Order = last + 1
		chapter.CreatedAt, chapter.UpdatedAt = now, now

		return s.fs.WriteJSON(storyDir(storyID), chaptersFile, append(chapters, chapter))
	})
}

// UpdateChapter 修改章节内容
func (s *Store) UpdateChapter(storyID, chapterID string, fn func(*models.Chapter)) (*models.Chapter, error) {
	var updated *models.Chapter
	err := s.locks.With(storyKey(storyID), func() error {
		chapters, err := s.loadChapters(storyID)
		if err != nil {
			return err
		}
		for _, ch := range chapters {
			if ch.ID == chapterID {
				order := ch.Order
				fn(ch)
				ch.ID, ch.StoryID, ch.Order = chapterID, storyID, order
				ch.UpdatedAt = s.now()
				updated = ch
				return s.fs.WriteJSON(storyDir(storyID), chaptersFile, chapters)
			}
		}
		return ErrNotFound
	})
	return updated, err
}

// DeleteChapter 删除章节。剩余章节的 Order 不重排。
func (s *Store) DeleteChapter(storyID, chapterID string) error {
	return s.locks.With(storyKey(storyID), func() error {
		chapters, err := s.loadChapters(storyID)
		if err != nil {
			return err
		}
		for i, ch := range chapters {
			if ch.ID == chapterID {
				chapters = append(chapters[:i], chapters[i+1:]...)
				return s.fs.WriteJSON(storyDir(storyID), chaptersFile, chapters)
			}
		}
		return ErrNotFound
	})
}

// ClearChapters 删除全部章节
func (s *Store) ClearChapters(storyID string) error {
	return s.locks.With(storyKey(storyID), func() error {
		return s.fs.WriteJSON(storyDir(storyID), chaptersFile, []*models.Chapter{})
	})
}

// ---- 智能体 ----

func (s *Store) loadAgents(userID string) ([]*models.Agent, error) {
	var agents []*models.Agent
	err := s.fs.ReadJSON(userDir(userID), agentsFile, &agents)
	if err == ErrNotFound {
		return nil, nil
	}
	return agents, err
}

// ListAgents 按 Order 升序返回用户的智能体
func (s *Store) ListAgents(userID string) ([]*models.Agent, error) {
	agents, err := s.loadAgents(userID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(agents, func(i, j int) bool { return agents[i].Order < agents[j].Order })
	return agents, nil
}

// SaveAgent 新建或更新智能体
func (s *Store) SaveAgent(agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = newID()
	}
	return s.locks.With(userKey(agent.UserID), func() error {
		agents, err := s.loadAgents(agent.UserID)
		if err != nil {
			return err
		}
		replaced := false
		for i, a := range agents {
			if a.ID == agent.ID {
				agents[i] = agent
				replaced = true
				break
			}
		}
		if !replaced {
			agents = append(agents, agent)
		}
		return s.fs.WriteJSON(userDir(agent.UserID), agentsFile, agents)
	})
}

// ReplaceAgents 用新列表整体替换用户的智能体
func (s *Store) ReplaceAgents(userID string, agents []*models.Agent) error {
	for _, a := range agents {
		if a.ID == "" {
			a.ID = newID()
		}
		a.UserID = userID
	}
	return s.locks.With(userKey(userID), func() error {
		return s.fs.WriteJSON(userDir(userID), agentsFile, agents)
	})
}

// DeleteAgent 删除智能体
func (s *Store) DeleteAgent(userID, agentID string) error {
	return s.locks.With(userKey(userID), func() error {
		agents, err := s.loadAgents(userID)
		if err != nil {
			return err
		}
		for i, a := range agents {
			if a.ID == agentID {
				agents = append(agents[:i], agents[i+1:]...)
				return s.fs.WriteJSON(userDir(userID), agentsFile, agents)
			}
		}
		return ErrNotFound
	})
}

// ---- 设置与平台账号 ----

// GetSettings 读取用户设置，尚未保存时返回空设置
func (s *Store) GetSettings(userID string) (*models.UserSettings, error) {
	settings := &models.UserSettings{UserID: userID}
	err := s.fs.ReadJSON(userDir(userID), settingsFile, settings)
	if err == ErrNotFound {
		return settings, nil
	}
	if err != nil {
		return nil, err
	}
	return settings, nil
}

// SaveSettings 保存用户设置
func (s *Store) SaveSettings(settings *models.UserSettings) error {
	return s.locks.With(userKey(settings.UserID), func() error {
		return s.fs.WriteJSON(userDir(settings.UserID), settingsFile, settings)
	})
}

func (s *Store) loadAccounts(userID string) ([]*models.PlatformAccount, error) {
	var accounts []*models.PlatformAccount
	err := s.fs.ReadJSON(userDir(userID), accountsFile, &accounts)
	if err == ErrNotFound {
		return nil, nil
	}
	return accounts, err
}

// ListPlatformAccounts 列出用户的平台账号
func (s *Store) ListPlatformAccounts(userID string) ([]*models.PlatformAccount, error) {
	return s.loadAccounts(userID)
}

// GetPlatformAccount 读取单个平台账号
func (s *Store) GetPlatformAccount(userID, accountID string) (*models.PlatformAccount, error) {
	accounts, err := s.loadAccounts(userID)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if a.ID == accountID {
			return a, nil
		}
	}
	return nil, ErrNotFound
}

// SavePlatformAccount 新建或更新平台账号
func (s *Store) SavePlatformAccount(account *models.PlatformAccount) error {
	if account.ID == "" {
		account.ID = newID()
	}
	return s.locks.With(userKey(account.UserID), func() error {
		accounts, err := s.loadAccounts(account.UserID)
		if err != nil {
			return err
		}
		replaced := false
		for i, a := range accounts {
			if a.ID == account.ID {
				accounts[i] = account
				replaced = true
				break
			}
		}
		if !replaced {
			accounts = append(accounts, account)
		}
		return s.fs.WriteJSON(userDir(account.UserID), accountsFile, accounts)
	})
}

// DeletePlatformAccount 删除平台账号
func (s *Store) DeletePlatformAccount(userID, accountID string) error {
	return s.locks.With(userKey(userID), func() error {
		accounts, err := s.loadAccounts(userID)
		if err != nil {
			return err
		}
		for i, a := range accounts {
			if a.ID == accountID {
				accounts = append(accounts[:i], accounts[i+1:]...)
				return s.fs.WriteJSON(userDir(userID), accountsFile, accounts)
			}
		}
		return ErrNotFound
	})
}
