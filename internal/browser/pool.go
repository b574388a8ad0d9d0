// internal/browser/pool.go
package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Corphon/AIWriter/internal/utils"
)

// ErrPoolClosed 页面池已关闭
var ErrPoolClosed = errors.New("浏览器页面池已关闭")

// Driver 启动浏览器会话
type Driver interface {
	Launch(ctx context.Context) (Session, error)
}

// Session 一个浏览器会话（进程 + 带 cookie 的上下文）
type Session interface {
	NewPage(ctx context.Context) (Page, error)
	// SaveState 持久化 cookie，下次启动无需重新登录
	SaveState() error
	Close() error
}

// Page 一个可复用的标签页
type Page interface {
	Goto(ctx context.Context, url string) error
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	Exists(ctx context.Context, selector string) (bool, error)
	IsClosed() bool
	Close() error
}

// DefaultEvictInterval 空闲页面清理周期
const DefaultEvictInterval = 5 * time.Minute

type pageHandle struct {
	page     Page
	inUse    bool
	lastUsed time.Time
}

// PoolStats 页面池状态
type PoolStats struct {
	Initialized bool `json:"initialized"`
	Pages       int  `json:"pages"`
	InUse       int  `json:"in_use"`
}

// Pool 浏览器页面池。进程内只创建一个，启动时构造，退出时 Close。
// 同一页面不会同时借给两个调用方。
type Pool struct {
	driver Driver

	// initMu 保证会话只初始化一次，并发的首次调用方在此等待
	initMu  sync.Mutex
	session Session

	mu      sync.Mutex
	handles []*pageHandle
	closed  bool

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	logger  *utils.Logger
	metrics *utils.MetricsCollector
	now     func() time.Time
}

// NewPool 创建页面池并启动定期清理。evictInterval <= 0 时使用默认值。
func NewPool(driver Driver, evictInterval time.Duration) *Pool {
	if evictInterval <= 0 {
		evictInterval = DefaultEvictInterval
	}

	p := &Pool{
		driver:  driver,
		stop:    make(chan struct{}),
		logger:  utils.GetLogger(),
		metrics: utils.GetMetricsCollector(),
		now:     time.Now,
	}

	p.wg.Add(1)
	go p.evictLoop(evictInterval)

	return p
}

func (p *Pool) evictLoop(interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if n := p.EvictIdle(); n > 0 {
				p.logger.Info("已清理空闲浏览器页面", map[string]interface{}{"closed": n})
			}
		}
	}
}

// ensureSession 懒加载浏览器会话。失败时不记为已初始化，下次调用会重试。
func (p *Pool) ensureSession(ctx context.Context) (Session, error) {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	if p.session != nil {
		return p.session, nil
	}

	session, err := p.driver.Launch(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		session.Close()
		return nil, ErrPoolClosed
	}
	p.session = session
	p.mu.Unlock()

	p.logger.Info("浏览器会话已启动", nil)
	return session, nil
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Acquire 借出一个空闲页面，没有可用页面时新建。已关闭的页面会被丢弃。
func (p *Pool) Acquire(ctx context.Context) (Page, error) {
	session, err := p.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	for i := 0; i < len(p.handles); {
		h := p.handles[i]
		if h.inUse {
			i++
			continue
		}
		if h.page.IsClosed() {
			p.handles = append(p.handles[:i], p.handles[i+1:]...)
			continue
		}
		h.inUse = true
		h.lastUsed = p.now()
		p.metrics.SetGauge(utils.MetricPoolPages, int64(len(p.handles)))
		p.mu.Unlock()
		return h.page, nil
	}
	p.metrics.SetGauge(utils.MetricPoolPages, int64(len(p.handles)))
	p.mu.Unlock()

	// 新建页面可能很慢，不持有锁
	page, err := session.NewPage(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		page.Close()
		return nil, ErrPoolClosed
	}
	p.handles = append(p.handles, &pageHandle{page: page, inUse: true, lastUsed: p.now()})
	p.metrics.SetGauge(utils.MetricPoolPages, int64(len(p.handles)))
	p.mu.Unlock()

	return page, nil
}

// Release 归还页面，不关闭它
func (p *Pool) Release(page Page) {
	if page == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, h := range p.handles {
		if h.page != page {
			continue
		}
		if page.IsClosed() {
			p.handles = append(p.handles[:i], p.handles[i+1:]...)
			p.metrics.SetGauge(utils.MetricPoolPages, int64(len(p.handles)))
			return
		}
		h.inUse = false
		h.lastUsed = p.now()
		return
	}
}

// EvictIdle 只保留最近使用的一个空闲页面，关闭其余空闲页面。返回关闭数量。
func (p *Pool) EvictIdle() int {
	p.mu.Lock()

	var keep *pageHandle
	for _, h := range p.handles {
		if h.inUse {
			continue
		}
		if keep == nil || h.lastUsed.After(keep.lastUsed) {
			keep = h
		}
	}

	var victims []Page
	remaining := p.handles[:0]
	for _, h := range p.handles {
		if h.inUse || h == keep {
			remaining = append(remaining, h)
			continue
		}
		victims = append(victims, h.page)
	}
	for i := len(remaining); i < len(p.handles); i++ {
		p.handles[i] = nil
	}
	p.handles = remaining
	p.metrics.SetGauge(utils.MetricPoolPages, int64(len(p.handles)))
	p.mu.Unlock()

	for _, page := range victims {
		if err := page.Close(); err != nil {
			p.logger.Warn("关闭空闲页面失败", map[string]interface{}{"error": err.Error()})
		}
	}
	if len(victims) > 0 {
		p.metrics.AddCounter(utils.MetricPagesEvicted, int64(len(victims)))
	}
	return len(victims)
}

// SaveState 持久化会话 cookie。会话尚未启动时什么也不做。
func (p *Pool) SaveState() error {
	p.initMu.Lock()
	session := p.session
	p.initMu.Unlock()

	if session == nil {
		return nil
	}
	return session.SaveState()
}

// Stats 当前页面池状态
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{Initialized: p.session != nil, Pages: len(p.handles)}
	for _, h := range p.handles {
		if h.inUse {
			stats.InUse++
		}
	}
	return stats
}

// Close 停止清理协程，关闭所有页面和会话。多次调用只执行一次。
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()

		// 等待进行中的初始化结束
		p.initMu.Lock()
		defer p.initMu.Unlock()

		p.mu.Lock()
		p.closed = true
		handles := p.handles
		p.handles = nil
		session := p.session
		p.session = nil
		p.mu.Unlock()

		for _, h := range handles {
			h.page.Close()
		}
		if session != nil {
			if saveErr := session.SaveState(); saveErr != nil {
				p.logger.Warn("保存浏览器 cookie 失败", map[string]interface{}{"error": saveErr.Error()})
			}
			err = session.Close()
		}
		p.metrics.SetGauge(utils.MetricPoolPages, 0)
		p.logger.Info("浏览器页面池已关闭", nil)
	})
	return err
}
