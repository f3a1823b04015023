package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/okulov-dev/traceflow/state"
)

// memStore is an in-memory InstanceStore, DefinitionStore, and Queue with the
// same conditional-update semantics as the Postgres store. Engine tests run
// against it so the lifecycle and dispatch logic is exercised without a
// database.
type memStore struct {
	mu        sync.Mutex
	instances map[string]*state.Instance
	order     []string
	defs      map[string]state.Definition
	queue     map[string]*memQueueItem
	now       func() time.Time
}

var (
	_ InstanceStore   = (*memStore)(nil)
	_ DefinitionStore = (*memStore)(nil)
	_ Queue           = (*memStore)(nil)
)

type memQueueItem struct {
	availableAt   time.Time
	inflightUntil time.Time
	retryCount    int
	deliveryCount int
}

func newMemStore() *memStore {
	return &memStore{
		instances: make(map[string]*state.Instance),
		defs:      make(map[string]state.Definition),
		queue:     make(map[string]*memQueueItem),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func copyInstance(inst *state.Instance) state.Instance {
	out := *inst
	out.DependsOn = append([]string(nil), inst.DependsOn...)
	return out
}

func (m *memStore) CreateInstance(ctx context.Context, inst state.Instance) (state.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inst.Status == "" {
		inst.Status = state.StatusPending
	}
	if inst.ScheduleType == "" {
		inst.ScheduleType = state.ScheduleOnce
	}
	if _, exists := m.instances[inst.ID]; exists {
		return state.Instance{}, fmt.Errorf("duplicate instance %s", inst.ID)
	}
	inst.CreatedAt = m.now()
	inst.UpdatedAt = inst.CreatedAt
	stored := inst
	m.instances[inst.ID] = &stored
	m.order = append(m.order, inst.ID)
	return inst, nil
}

func (m *memStore) GetInstance(ctx context.Context, id string) (state.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return state.Instance{}, fmt.Errorf("%w: instance %s", state.ErrNotFound, id)
	}
	return copyInstance(inst), nil
}

func (m *memStore) GetInstances(ctx context.Context, ids []string) ([]state.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []state.Instance
	for _, id := range ids {
		if inst, ok := m.instances[id]; ok {
			out = append(out, copyInstance(inst))
		}
	}
	return out, nil
}

func (m *memStore) listLocked(match func(*state.Instance) bool) []state.Instance {
	var out []state.Instance
	for _, id := range m.order {
		inst := m.instances[id]
		if match(inst) {
			out = append(out, copyInstance(inst))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Depth < out[j].Depth })
	return out
}

func (m *memStore) ListByTrace(ctx context.Context, traceID string, statuses ...state.InstanceStatus) ([]state.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.listLocked(func(inst *state.Instance) bool {
		if inst.TraceID != traceID {
			return false
		}
		if len(statuses) == 0 {
			return true
		}
		for _, st := range statuses {
			if inst.Status == st {
				return true
			}
		}
		return false
	}), nil
}

func (m *memStore) ListSubtree(ctx context.Context, traceID, pathPrefix string) ([]state.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.listLocked(func(inst *state.Instance) bool {
		return inst.TraceID == traceID && strings.HasPrefix(inst.NodePath, pathPrefix)
	}), nil
}

func (m *memStore) ConditionalClaim(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok || inst.Status != state.StatusPending {
		return false, nil
	}
	inst.Status = state.StatusRunning
	inst.WorkerID = &workerID
	inst.StartedAt = &now
	inst.UpdatedAt = m.now()
	return true, nil
}

func (m *memStore) finalize(id string, from, to state.InstanceStatus, mutate func(*state.Instance), now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok || inst.Status != from {
		return false, nil
	}
	inst.Status = to
	inst.FinishedAt = &now
	inst.UpdatedAt = m.now()
	if mutate != nil {
		mutate(inst)
	}
	return true, nil
}

func (m *memStore) MarkSucceeded(ctx context.Context, id string, outputRef *string, now time.Time) (bool, error) {
	return m.finalize(id, state.StatusRunning, state.StatusSuccess, func(inst *state.Instance) {
		inst.OutputRef = outputRef
	}, now)
}

func (m *memStore) MarkFailed(ctx context.Context, id, errDetail string, now time.Time) (bool, error) {
	return m.finalize(id, state.StatusRunning, state.StatusFailed, func(inst *state.Instance) {
		inst.ErrorDetail = &errDetail
	}, now)
}

func (m *memStore) FailPending(ctx context.Context, id, errDetail string, now time.Time) (bool, error) {
	return m.finalize(id, state.StatusPending, state.StatusFailed, func(inst *state.Instance) {
		inst.ErrorDetail = &errDetail
	}, now)
}

func (m *memStore) IncrementCompletedChildren(ctx context.Context, parentID string) (int, int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[parentID]
	if !ok {
		return 0, 0, false, fmt.Errorf("%w: instance %s", state.ErrNotFound, parentID)
	}
	if inst.CompletedChildren >= inst.SplitCount {
		return inst.CompletedChildren, inst.SplitCount, false, nil
	}
	inst.CompletedChildren++
	inst.UpdatedAt = m.now()
	return inst.CompletedChildren, inst.SplitCount, true, nil
}

func (m *memStore) SetSplitCount(ctx context.Context, id string, splitCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return fmt.Errorf("%w: instance %s", state.ErrNotFound, id)
	}
	inst.SplitCount = splitCount
	inst.UpdatedAt = m.now()
	return nil
}

func (m *memStore) SkipPendingByTrace(ctx context.Context, traceID, excludeID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var skipped int64
	for _, inst := range m.instances {
		if inst.TraceID == traceID && inst.ID != excludeID && inst.Status == state.StatusPending {
			inst.Status = state.StatusSkipped
			inst.FinishedAt = &now
			inst.UpdatedAt = m.now()
			skipped++
		}
	}
	return skipped, nil
}

func (m *memStore) SetSignal(ctx context.Context, id string, signal state.ControlSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return fmt.Errorf("%w: instance %s", state.ErrNotFound, id)
	}
	sig := signal
	inst.ControlSignal = &sig
	inst.UpdatedAt = m.now()
	return nil
}

func (m *memStore) UpdateSignalByTrace(ctx context.Context, traceID string, signal state.ControlSignal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var updated int64
	for _, inst := range m.instances {
		if inst.TraceID == traceID {
			sig := signal
			inst.ControlSignal = &sig
			inst.UpdatedAt = m.now()
			updated++
		}
	}
	return updated, nil
}

func (m *memStore) UpdateSignalByPathPrefix(ctx context.Context, traceID, pathPrefix string, signal state.ControlSignal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var updated int64
	for _, inst := range m.instances {
		if inst.TraceID == traceID && strings.HasPrefix(inst.NodePath, pathPrefix) {
			sig := signal
			inst.ControlSignal = &sig
			inst.UpdatedAt = m.now()
			updated++
		}
	}
	return updated, nil
}

func (m *memStore) CancelInstance(ctx context.Context, id string, now time.Time) (bool, error) {
	return m.finalize(id, state.StatusPending, state.StatusCancelled, nil, now)
}

func (m *memStore) CancelPendingByTrace(ctx context.Context, traceID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cancelled int64
	for _, inst := range m.instances {
		if inst.TraceID == traceID && inst.Status == state.StatusPending {
			inst.Status = state.StatusCancelled
			inst.FinishedAt = &now
			inst.UpdatedAt = m.now()
			cancelled++
		}
	}
	return cancelled, nil
}

func (m *memStore) CancelPendingByPathPrefix(ctx context.Context, traceID, pathPrefix string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cancelled int64
	for _, inst := range m.instances {
		if inst.TraceID == traceID && strings.HasPrefix(inst.NodePath, pathPrefix) && inst.Status == state.StatusPending {
			inst.Status = state.StatusCancelled
			inst.FinishedAt = &now
			inst.UpdatedAt = m.now()
			cancelled++
		}
	}
	return cancelled, nil
}

func (m *memStore) FindSignalByTrace(ctx context.Context, traceID string) (*state.ControlSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		latest   *state.ControlSignal
		latestAt time.Time
	)
	for _, inst := range m.instances {
		if inst.TraceID == traceID && inst.ControlSignal != nil && !inst.UpdatedAt.Before(latestAt) {
			sig := *inst.ControlSignal
			latest = &sig
			latestAt = inst.UpdatedAt
		}
	}
	return latest, nil
}

func (m *memStore) TraceStatusCounts(ctx context.Context, traceID string) ([]state.StatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byStatus := make(map[state.InstanceStatus]int)
	for _, inst := range m.instances {
		if inst.TraceID == traceID {
			byStatus[inst.Status]++
		}
	}
	counts := make([]state.StatusCount, 0, len(byStatus))
	for status, count := range byStatus {
		counts = append(counts, state.StatusCount{Status: status, Count: count})
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].Status < counts[j].Status })
	return counts, nil
}

func (m *memStore) ListTimedOutRunning(ctx context.Context, now time.Time, defaultTimeout time.Duration, limit int) ([]state.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []state.Instance
	for _, id := range m.order {
		inst := m.instances[id]
		if inst.Status != state.StatusRunning || inst.StartedAt == nil {
			continue
		}
		timeout := defaultTimeout
		if inst.DefID != nil {
			if def, ok := m.defs[*inst.DefID]; ok {
				timeout = def.Timeout(defaultTimeout)
			}
		}
		if now.Sub(*inst.StartedAt) > timeout {
			out = append(out, copyInstance(inst))
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListStalePending(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]state.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []state.Instance
	for _, id := range m.order {
		inst := m.instances[id]
		if inst.Status == state.StatusPending && now.Sub(inst.CreatedAt) > staleAfter {
			out = append(out, copyInstance(inst))
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) CreateDefinition(ctx context.Context, def state.Definition) (state.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if def.ScheduleType == "" {
		def.ScheduleType = state.ScheduleOnce
	}
	def.CreatedAt = m.now()
	def.UpdatedAt = def.CreatedAt
	m.defs[def.ID] = def
	return def, nil
}

func (m *memStore) GetDefinition(ctx context.Context, id string) (state.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.defs[id]
	if !ok {
		return state.Definition{}, fmt.Errorf("%w: definition %s", state.ErrNotFound, id)
	}
	return def, nil
}

func (m *memStore) ListActiveCron(ctx context.Context) ([]state.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []state.Definition
	for _, def := range m.defs {
		if def.ScheduleType == state.ScheduleCron && def.IsActive {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) MarkDefinitionTriggered(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.defs[id]
	if !ok {
		return fmt.Errorf("%w: definition %s", state.ErrNotFound, id)
	}
	def.LastTriggeredAt = &at
	def.UpdatedAt = m.now()
	m.defs[id] = def
	return nil
}

func (m *memStore) PublishExecute(ctx context.Context, instanceID string, availableAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if availableAt.IsZero() {
		availableAt = m.now()
	}
	if item, ok := m.queue[instanceID]; ok {
		item.availableAt = availableAt
		item.inflightUntil = time.Time{}
		return nil
	}
	m.queue[instanceID] = &memQueueItem{availableAt: availableAt}
	return nil
}

func (m *memStore) RequeueExecute(ctx context.Context, instanceID string, delay time.Duration, countRetry bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.queue[instanceID]
	if !ok {
		item = &memQueueItem{}
		m.queue[instanceID] = item
	}
	item.availableAt = m.now().Add(delay)
	item.inflightUntil = time.Time{}
	if countRetry {
		item.retryCount++
	}
	return item.retryCount, nil
}

func (m *memStore) DequeueExecute(ctx context.Context, now time.Time, visibilityTimeout time.Duration) (state.DispatchItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.IsZero() {
		now = m.now()
	}
	for id := range m.queue {
		if inst, ok := m.instances[id]; ok && inst.Status != state.StatusPending {
			delete(m.queue, id)
		}
	}

	var (
		bestID   string
		bestItem *memQueueItem
	)
	for id, item := range m.queue {
		if item.availableAt.After(now) {
			continue
		}
		if !item.inflightUntil.IsZero() && item.inflightUntil.After(now) {
			continue
		}
		if bestItem == nil || item.availableAt.Before(bestItem.availableAt) ||
			(item.availableAt.Equal(bestItem.availableAt) && id < bestID) {
			bestID, bestItem = id, item
		}
	}
	if bestItem == nil {
		return state.DispatchItem{}, state.ErrQueueEmpty
	}

	bestItem.inflightUntil = now.Add(visibilityTimeout)
	bestItem.deliveryCount++
	return state.DispatchItem{
		InstanceID:    bestID,
		RetryCount:    bestItem.retryCount,
		DeliveryCount: bestItem.deliveryCount,
	}, nil
}

func (m *memStore) AckExecute(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queue[instanceID]; !ok {
		return fmt.Errorf("%w: queue item %s", state.ErrNotFound, instanceID)
	}
	delete(m.queue, instanceID)
	return nil
}

func (m *memStore) queued(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queue[instanceID]
	return ok
}

// seqIDGen hands out deterministic ids for tests.
type seqIDGen struct {
	mu        sync.Mutex
	traces    int
	instances int
}

func (g *seqIDGen) TraceID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.traces++
	return fmt.Sprintf("trace-%d", g.traces)
}

func (g *seqIDGen) InstanceID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.instances++
	return fmt.Sprintf("inst-%d", g.instances)
}
