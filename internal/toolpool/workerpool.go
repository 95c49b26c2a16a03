package toolpool

import (
	"sync"
	"time"
)

// PoolConfig sizes a WorkerPool.
type PoolConfig struct {
	CoreSize  int           // Workers kept alive while the pool is open (default 4)
	MaxSize   int           // Upper bound on workers (default 8)
	QueueSize int           // Pending jobs buffered when all workers are busy (default 100)
	KeepAlive time.Duration // Idle time before a worker above CoreSize exits (default 60s)
}

// DefaultPoolConfig returns the stock pool sizing.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{CoreSize: 4, MaxSize: 8, QueueSize: 100, KeepAlive: 60 * time.Second}
}

// WorkerPool is a bounded pool shared by every session. Jobs run on one of
// up to MaxSize workers; when all workers are busy and the queue is full,
// TrySubmit refuses the job instead of blocking.
type WorkerPool struct {
	cfg   PoolConfig
	queue chan func()

	mu      sync.Mutex
	workers int
	busy    int
	closed  bool
	wg      sync.WaitGroup
}

// NewWorkerPool starts CoreSize workers.
func NewWorkerPool(cfg PoolConfig) *WorkerPool {
	def := DefaultPoolConfig()
	if cfg.CoreSize <= 0 {
		cfg.CoreSize = def.CoreSize
	}
	if cfg.MaxSize < cfg.CoreSize {
		cfg.MaxSize = cfg.CoreSize
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}

	p := &WorkerPool{cfg: cfg, queue: make(chan func(), cfg.QueueSize)}
	p.mu.Lock()
	for i := 0; i < cfg.CoreSize; i++ {
		p.spawnLocked(nil, true)
	}
	p.mu.Unlock()
	return p
}

// TrySubmit schedules fn. It returns false when the pool is closed or saturated.
func (p *WorkerPool) TrySubmit(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	// Every worker busy: grow before queueing.
	if p.busy >= p.workers && p.workers < p.cfg.MaxSize {
		p.spawnLocked(fn, false)
		return true
	}
	select {
	case p.queue <- fn:
		return true
	default:
	}
	if p.workers < p.cfg.MaxSize {
		p.spawnLocked(fn, false)
		return true
	}
	return false
}

// Size returns the current worker count.
func (p *WorkerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Close stops accepting jobs and waits for queued jobs to drain.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *WorkerPool) spawnLocked(first func(), core bool) {
	p.workers++
	if first != nil {
		p.busy++
	}
	p.wg.Add(1)
	go p.work(first, core)
}

func (p *WorkerPool) work(first func(), core bool) {
	defer p.wg.Done()

	if first != nil {
		p.run(first)
	}

	var idle *time.Timer
	if !core {
		idle = time.NewTimer(p.cfg.KeepAlive)
		defer idle.Stop()
	}

	for {
		var expired <-chan time.Time
		if idle != nil {
			expired = idle.C
		}
		select {
		case fn, ok := <-p.queue:
			if !ok {
				p.exit()
				return
			}
			p.mu.Lock()
			p.busy++
			p.mu.Unlock()
			p.run(fn)
			if idle != nil {
				idle.Reset(p.cfg.KeepAlive)
			}
		case <-expired:
			p.exit()
			return
		}
	}
}

func (p *WorkerPool) run(fn func()) {
	defer func() {
		_ = recover() // jobs report their own failures
		p.mu.Lock()
		p.busy--
		p.mu.Unlock()
	}()
	fn()
}

func (p *WorkerPool) exit() {
	p.mu.Lock()
	p.workers--
	p.mu.Unlock()
}
