package services

import (
	"sync"
	"testing"

	"github.com/Corphon/AIWriter/internal/models"
	"github.com/Corphon/AIWriter/internal/storage"
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func seedStory(t *testing.T, s *storage.Store, userID string) *models.Story {
	t.Helper()
	story := &models.Story{UserID: userID, Title: "海风", Description: "航海"}
	if err := s.CreateStory(story); err != nil {
		t.Fatal(err)
	}
	return story
}

func seedPipeline(t *testing.T, s *storage.Store, userID string) []*models.Agent {
	t.Helper()
	agents := []*models.Agent{
		{Name: "作家", Model: "writer", Prompt: "写作", Order: models.AgentOrderWriter},
		{Name: "编辑", Model: "optimizer", Prompt: "审稿", Order: models.AgentOrderOptimizer},
		{Name: "总结", Model: "summarizer", Prompt: "总结", Order: models.AgentOrderSummarizer},
	}
	if err := s.ReplaceAgents(userID, agents); err != nil {
		t.Fatal(err)
	}
	return agents
}

// fakeLoops 记录启停调用的 LoopController
type fakeLoops struct {
	mu      sync.Mutex
	running map[string]bool
	starts  []string
	stops   []string
}

func newFakeLoops() *fakeLoops {
	return &fakeLoops{running: make(map[string]bool)}
}

func (f *fakeLoops) Start(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, id)
	if f.running[id] {
		return false
	}
	f.running[id] = true
	return true
}

func (f *fakeLoops) Stop(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, id)
	was := f.running[id]
	delete(f.running, id)
	return was
}

func (f *fakeLoops) Running(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id]
}
