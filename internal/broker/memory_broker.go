package broker

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryBroker is an in-process implementation of Broker used by package
// tests throughout the core. It is not a performance-oriented
// implementation; it exists to let queue/result-consumer/visibility/reaper
// logic be exercised without a live Redis instance, while preserving the
// same atomicity contracts (single mutex, one critical section per call).
type MemoryBroker struct {
	mu sync.Mutex

	inflight map[string]time.Time // fingerprint -> expiry

	queueScores map[string]map[string]float64 // model -> jobID -> score
	jobBodies   map[string]map[string][]byte  // model -> jobID -> body

	subscribers map[string]map[string]struct{} // fingerprint -> entries

	pending      map[string]map[int]struct{} // "user:doc" -> block indices
	pendingIndex map[string]map[int]string   // "user:doc" -> block -> jobID

	processing map[string]map[string][]byte // workerID -> jobID -> entry

	results    [][]byte
	billing    [][]byte
	deadletter [][]byte

	channels   map[string]map[int]func([]byte)
	nextSubID  int

	resultCond  *sync.Cond
	billingCond *sync.Cond
}

func NewMemoryBroker() *MemoryBroker {
	m := &MemoryBroker{
		inflight:     make(map[string]time.Time),
		queueScores:  make(map[string]map[string]float64),
		jobBodies:    make(map[string]map[string][]byte),
		subscribers:  make(map[string]map[string]struct{}),
		pending:      make(map[string]map[int]struct{}),
		pendingIndex: make(map[string]map[int]string),
		processing:   make(map[string]map[string][]byte),
		channels:     make(map[string]map[int]func([]byte)),
	}
	m.resultCond = sync.NewCond(&m.mu)
	m.billingCond = sync.NewCond(&m.mu)
	return m
}

func pendKey(userID, documentID string) string { return userID + ":" + documentID }

func (m *MemoryBroker) Close() error { return nil }

func (m *MemoryBroker) isExpired(fingerprint string, now time.Time) bool {
	exp, ok := m.inflight[fingerprint]
	return ok && now.After(exp)
}

func (m *MemoryBroker) AcquireSingleflight(_ context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if exp, ok := m.inflight[fingerprint]; ok && !now.After(exp) {
		return false, nil
	}
	m.inflight[fingerprint] = now.Add(ttl)
	return true, nil
}

func (m *MemoryBroker) ReleaseSingleflight(_ context.Context, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.inflight[fingerprint]
	delete(m.inflight, fingerprint)
	return existed, nil
}

func (m *MemoryBroker) QueuePush(_ context.Context, modelSlug, jobID string, body []byte, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queueScores[modelSlug] == nil {
		m.queueScores[modelSlug] = make(map[string]float64)
		m.jobBodies[modelSlug] = make(map[string][]byte)
	}
	m.queueScores[modelSlug][jobID] = score
	m.jobBodies[modelSlug][jobID] = body
	return nil
}

func (m *MemoryBroker) headLocked(modelSlug string) (string, float64, bool) {
	scores := m.queueScores[modelSlug]
	if len(scores) == 0 {
		return "", 0, false
	}
	type pair struct {
		id    string
		score float64
	}
	pairs := make([]pair, 0, len(scores))
	for id, s := range scores {
		pairs = append(pairs, pair{id, s})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score < pairs[j].score
		}
		return pairs[i].id < pairs[j].id
	})
	return pairs[0].id, pairs[0].score, true
}

func (m *MemoryBroker) QueuePopMin(_ context.Context, modelSlug string, timeout time.Duration) (string, float64, error) {
	deadline := time.Now().Add(timeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if id, score, ok := m.headLocked(modelSlug); ok {
			delete(m.queueScores[modelSlug], id)
			return id, score, nil
		}
		if time.Now().After(deadline) {
			return "", 0, ErrTimeout
		}
		// Poll rather than block indefinitely; timeout is small in tests.
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
		m.mu.Lock()
	}
}

func (m *MemoryBroker) QueuePeekHead(_ context.Context, modelSlug string) (string, float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, score, ok := m.headLocked(modelSlug)
	return id, score, ok, nil
}

func (m *MemoryBroker) QueueRemoveFromIndex(_ context.Context, modelSlug, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scores := m.queueScores[modelSlug]
	if scores == nil {
		return false, nil
	}
	if _, ok := scores[jobID]; !ok {
		return false, nil
	}
	delete(scores, jobID)
	return true, nil
}

func (m *MemoryBroker) QueueFetchBody(_ context.Context, modelSlug, jobID string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bodies := m.jobBodies[modelSlug]
	if bodies == nil {
		return nil, false, nil
	}
	body, ok := bodies[jobID]
	return body, ok, nil
}

func (m *MemoryBroker) QueueDeleteBody(_ context.Context, modelSlug, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobBodies[modelSlug], jobID)
	return nil
}

func (m *MemoryBroker) SubscriberAdd(_ context.Context, fingerprint, entry string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribers[fingerprint] == nil {
		m.subscribers[fingerprint] = make(map[string]struct{})
	}
	m.subscribers[fingerprint][entry] = struct{}{}
	return nil
}

func (m *MemoryBroker) SubscriberDrain(_ context.Context, fingerprint string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.subscribers[fingerprint]
	out := make([]string, 0, len(set))
	for entry := range set {
		out = append(out, entry)
	}
	delete(m.subscribers, fingerprint)
	return out, nil
}

func (m *MemoryBroker) PendingAdd(_ context.Context, userID, documentID string, blockIdx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pendKey(userID, documentID)
	if m.pending[k] == nil {
		m.pending[k] = make(map[int]struct{})
	}
	m.pending[k][blockIdx] = struct{}{}
	return nil
}

func (m *MemoryBroker) PendingRemove(_ context.Context, userID, documentID string, blockIdx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending[pendKey(userID, documentID)], blockIdx)
	return nil
}

func (m *MemoryBroker) PendingList(_ context.Context, userID, documentID string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.pending[pendKey(userID, documentID)]
	out := make([]int, 0, len(set))
	for idx := range set {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out, nil
}

func (m *MemoryBroker) PendingIndexPut(_ context.Context, userID, documentID string, blockIdx int, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pendKey(userID, documentID)
	if m.pendingIndex[k] == nil {
		m.pendingIndex[k] = make(map[int]string)
	}
	m.pendingIndex[k][blockIdx] = jobID
	return nil
}

func (m *MemoryBroker) PendingIndexGet(_ context.Context, userID, documentID string, blockIdx int) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobID, ok := m.pendingIndex[pendKey(userID, documentID)][blockIdx]
	return jobID, ok, nil
}

func (m *MemoryBroker) PendingIndexDelete(_ context.Context, userID, documentID string, blockIdx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingIndex[pendKey(userID, documentID)], blockIdx)
	return nil
}

func (m *MemoryBroker) ProcessingPut(_ context.Context, workerID, jobID string, entry []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processing[workerID] == nil {
		m.processing[workerID] = make(map[string][]byte)
	}
	m.processing[workerID][jobID] = entry
	return nil
}

func (m *MemoryBroker) ProcessingScan(_ context.Context, workerID string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.processing[workerID]))
	for k, v := range m.processing[workerID] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryBroker) ProcessingDelete(_ context.Context, workerID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processing[workerID], jobID)
	return nil
}

func (m *MemoryBroker) ResultPush(_ context.Context, record []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, record)
	m.resultCond.Signal()
	return nil
}

func (m *MemoryBroker) ResultPop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return m.popList(ctx, &m.results, m.resultCond, timeout)
}

func (m *MemoryBroker) BillingPush(_ context.Context, event []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.billing = append(m.billing, event)
	m.billingCond.Signal()
	return nil
}

func (m *MemoryBroker) BillingPop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return m.popList(ctx, &m.billing, m.billingCond, timeout)
}

func (m *MemoryBroker) DeadLetterPush(_ context.Context, event []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadletter = append(m.deadletter, event)
	return nil
}

// DeadLetterSnapshot returns a copy of everything parked on the dead-letter
// list, for assertions in tests.
func (m *MemoryBroker) DeadLetterSnapshot() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.deadletter))
	copy(out, m.deadletter)
	return out
}

func (m *MemoryBroker) popList(_ context.Context, list *[][]byte, cond *sync.Cond, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(*list) == 0 {
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		// Poll like QueuePopMin rather than block on cond; timeout is small in tests.
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
		m.mu.Lock()
	}
	// FIFO: pushes append, so pop the oldest entry from the head, matching
	// Redis BRPOP on an LPUSH-fed list.
	v := (*list)[0]
	*list = (*list)[1:]
	return v, nil
}

func (m *MemoryBroker) Publish(_ context.Context, channel string, message []byte) error {
	m.mu.Lock()
	handlers := make([]func([]byte), 0, len(m.channels[channel]))
	for _, h := range m.channels[channel] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(message)
	}
	return nil
}

func (m *MemoryBroker) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	m.mu.Lock()
	if m.channels[channel] == nil {
		m.channels[channel] = make(map[int]func([]byte))
	}
	id := m.nextSubID
	m.nextSubID++
	m.channels[channel][id] = handler
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.channels[channel], id)
	}, nil
}

var _ = strconv.Itoa
