// internal/services/publish_jobs.go
package services

import (
	"sort"
	"sync"
	"time"

	"github.com/Corphon/AIWriter/internal/models"
	"github.com/google/uuid"
)

// 发布任务状态
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// PublishJob 一次章节发布的进度
type PublishJob struct {
	ID         string    `json:"id"`
	StoryID    string    `json:"story_id"`
	ChapterID  string    `json:"chapter_id"`
	Status     string    `json:"status"`
	Step       int       `json:"step"`
	TotalSteps int       `json:"total_steps"`
	Message    string    `json:"message"`
	StartTime  time.Time `json:"start_time"`
	UpdateTime time.Time `json:"update_time"`
}

// Done 任务是否已结束
func (j PublishJob) Done() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// JobTracker 跟踪发布任务，每次变化都推送一个 publish 事件
type JobTracker struct {
	mu     sync.RWMutex
	jobs   map[string]*PublishJob
	events EventSink
}

// NewJobTracker 创建任务跟踪器。events 可以为 nil。
func NewJobTracker(events EventSink) *JobTracker {
	return &JobTracker{jobs: make(map[string]*PublishJob), events: events}
}

// Create 登记一个新任务
func (t *JobTracker) Create(storyID, chapterID string, totalSteps int) PublishJob {
	now := time.Now()
	job := &PublishJob{
		ID:         uuid.New().String(),
		StoryID:    storyID,
		ChapterID:  chapterID,
		Status:     JobRunning,
		TotalSteps: totalSteps,
		Message:    "任务初始化中...",
		StartTime:  now,
		UpdateTime: now,
	}

	t.mu.Lock()
	t.jobs[job.ID] = job
	snapshot := *job
	t.mu.Unlock()

	t.emit(snapshot)
	return snapshot
}

// Advance 记录完成了第 step 步
func (t *JobTracker) Advance(id string, step int, message string) {
	t.update(id, func(j *PublishJob) {
		if step > j.Step {
			j.Step = step
		}
		if message != "" {
			j.Message = message
		}
	})
}

// Complete 标记任务完成
func (t *JobTracker) Complete(id, message string) {
	t.update(id, func(j *PublishJob) {
		j.Status = JobCompleted
		j.Step = j.TotalSteps
		if message == "" {
			message = "发布完成"
		}
		j.Message = message
	})
}

// Fail 标记任务失败
func (t *JobTracker) Fail(id, errorMsg string) {
	t.update(id, func(j *PublishJob) {
		j.Status = JobFailed
		j.Message = "发布失败: " + errorMsg
	})
}

func (t *JobTracker) update(id string, fn func(*PublishJob)) {
	t.mu.Lock()
	job, ok := t.jobs[id]
	if !ok || job.Done() {
		t.mu.Unlock()
		return
	}
	fn(job)
	job.UpdateTime = time.Now()
	snapshot := *job
	t.mu.Unlock()

	t.emit(snapshot)
}

// Get 读取任务
func (t *JobTracker) Get(id string) (PublishJob, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[id]
	if !ok {
		return PublishJob{}, false
	}
	return *job, true
}

// List 列出故事的任务，最新在前
func (t *JobTracker) List(storyID string) []PublishJob {
	t.mu.RLock()
	defer t.mu.RUnlock()

	jobs := make([]PublishJob, 0)
	for _, job := range t.jobs {
		if job.StoryID == storyID {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartTime.After(jobs[j].StartTime) })
	return jobs
}

// Cleanup 删除结束超过 maxAge 的任务，返回删除数量
func (t *JobTracker) Cleanup(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, job := range t.jobs {
		if job.Done() && now.Sub(job.UpdateTime) > maxAge {
			delete(t.jobs, id)
			removed++
		}
	}
	return removed
}

func (t *JobTracker) emit(job PublishJob) {
	if t.events == nil {
		return
	}
	t.events.Publish(models.StoryEvent{
		Type:      models.EventPublish,
		StoryID:   job.StoryID,
		Data:      job,
		Timestamp: job.UpdateTime,
	})
}
