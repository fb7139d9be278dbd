package accounting

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Record is a single metered request: who made it, against which account
// and model, how many tokens it used, and what it cost.
type Record struct {
	APIKeyID    string
	AccountID   string
	Provider    string
	Model       string
	RequestedAt time.Time
	Usage       UsageTokens
	Cost        Cost
	Failed      bool
}

// Sink consumes usage records emitted by the Manager, e.g. a ClickHouse
// writer or an in-memory daily rollup.
type Sink interface {
	HandleUsage(ctx context.Context, record Record)
}

type queueItem struct {
	ctx    context.Context
	record Record
}

// Manager buffers usage records and delivers them to registered sinks on a
// dedicated goroutine, so the hot relay path never blocks on metering I/O.
type Manager struct {
	once     sync.Once
	stopOnce sync.Once
	cancel   context.CancelFunc

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []queueItem
	closed bool

	sinksMu sync.RWMutex
	sinks   []Sink
}

// NewManager constructs a Manager with an unbounded in-memory queue;
// callers that need a hard ceiling should pair this with a bounded
// producer (the apikey package's last-used writer follows that pattern
// with a fixed-capacity channel instead, since it has no ordering
// requirement across records).
func NewManager() *Manager {
	m := &Manager{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start launches the background dispatcher. Safe to call more than once.
func (m *Manager) Start(ctx context.Context) {
	m.once.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		var workerCtx context.Context
		workerCtx, m.cancel = context.WithCancel(ctx)
		go m.run(workerCtx)
	})
}

// Stop halts the dispatcher and wakes its goroutine; Publish calls made
// after Stop drop their record.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.cond.Broadcast()
	})
}

// Register appends sink to the delivery list.
func (m *Manager) Register(sink Sink) {
	if sink == nil {
		return
	}
	m.sinksMu.Lock()
	m.sinks = append(m.sinks, sink)
	m.sinksMu.Unlock()
}

// Publish enqueues record for asynchronous delivery to every registered
// sink. It starts the dispatcher on first use if Start was never called.
func (m *Manager) Publish(ctx context.Context, record Record) {
	m.Start(context.Background())
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, queueItem{ctx: ctx, record: record})
	m.mu.Unlock()
	m.cond.Signal()
}

func (m *Manager) run(ctx context.Context) {
	for {
		m.mu.Lock()
		for !m.closed && len(m.queue) == 0 {
			m.cond.Wait()
		}
		if len(m.queue) == 0 && m.closed {
			m.mu.Unlock()
			return
		}
		item := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		m.dispatch(item)
	}
}

func (m *Manager) dispatch(item queueItem) {
	m.sinksMu.RLock()
	sinks := make([]Sink, len(m.sinks))
	copy(sinks, m.sinks)
	m.sinksMu.RUnlock()

	for _, sink := range sinks {
		safeInvoke(sink, item.ctx, item.record)
	}
}

func safeInvoke(sink Sink, ctx context.Context, record Record) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("accounting: usage sink panic recovered: %v", r)
		}
	}()
	sink.HandleUsage(ctx, record)
}
