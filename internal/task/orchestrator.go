package task

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgewild/fleetcore/internal/device"
	"github.com/edgewild/fleetcore/internal/infrastructure/config"
)

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Presence answers whether a device currently holds a live connection.
// The device registry implements it.
type Presence interface {
	IsOnline(deviceID string) bool
}

// Sender delivers a fire-and-forget event to a device. The message
// router implements it.
type Sender interface {
	Send(deviceID, event string, payload any) bool
}

// MetricsSink receives per-batch stats. The InfluxDB client implements
// it; nil disables.
type MetricsSink interface {
	WriteTaskStats(taskID, taskType string, total, success, failed, timeout int)
}

// EventSink receives task lifecycle transitions. Optional.
type EventSink interface {
	TaskEvent(event string, t *BatchTask)
}

// Events the orchestrator emits to its EventSink.
const (
	EventCreated   = "created"
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventCancelled = "cancelled"
)

// commandPayload is what a device receives when its slot in a batch
// comes up.
type commandPayload struct {
	TaskID         string         `json:"task_id"`
	SessionID      string         `json:"session_id"`
	Project        device.Project `json:"project"`
	Package        *PackageInfo   `json:"package,omitempty"`
	DeployPath     string         `json:"deploy_path,omitempty"`
	PreservedPaths []string       `json:"preserved_paths,omitempty"`
}

// Orchestrator runs batch upgrade and rollback tasks across the fleet.
//
// Active tasks live in memory under the orchestrator mutex and are
// persisted after every meaningful transition, so a crash loses at most
// the in-flight batch; RecoverInterrupted settles those on restart.
// Devices within a batch run concurrently, batches run sequentially,
// and cancellation takes effect at batch boundaries.
type Orchestrator struct {
	repo     Repository
	presence Presence
	sender   Sender
	cfg      config.TasksConfig
	metrics  MetricsSink
	events   EventSink
	logger   Logger

	mu      sync.Mutex
	tasks   map[string]*BatchTask
	waiters map[string]map[string]chan EntryStatus // task id -> device id -> waker
}

// NewOrchestrator creates a task orchestrator.
func NewOrchestrator(repo Repository, presence Presence, sender Sender, cfg config.TasksConfig) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		presence: presence,
		sender:   sender,
		cfg:      cfg,
		logger:   noopLogger{},
		tasks:    make(map[string]*BatchTask),
		waiters:  make(map[string]map[string]chan EntryStatus),
	}
}

// SetLogger sets the logger for the orchestrator.
func (o *Orchestrator) SetLogger(logger Logger) {
	o.logger = logger
}

// SetMetrics wires a metrics sink. Pass nil to disable.
func (o *Orchestrator) SetMetrics(sink MetricsSink) {
	o.metrics = sink
}

// SetEvents wires a lifecycle event sink. Pass nil to disable.
func (o *Orchestrator) SetEvents(sink EventSink) {
	o.events = sink
}

// CreateUpgradeTask validates and persists a new pending upgrade task.
// Nothing is sent to any device until ExecuteTask.
func (o *Orchestrator) CreateUpgradeTask(ctx context.Context, deviceIDs []string, pkg PackageInfo, project device.Project, deployPath string, preservedPaths []string, createdBy string) (*BatchTask, error) {
	if !pkg.complete() {
		return nil, fmt.Errorf("%w: package requires file name, version, checksum, and path", ErrValidation)
	}
	cfg := Config{
		Project:        project,
		Package:        &pkg,
		DeployPath:     deployPath,
		PreservedPaths: cleanPaths(preservedPaths),
		BatchSize:      o.cfg.BatchSize,
		DeviceTimeout:  o.cfg.DeviceTimeout,
	}
	return o.create(ctx, TypeUpgrade, deviceIDs, cfg, createdBy)
}

// CreateRollbackTask validates and persists a new pending rollback task.
func (o *Orchestrator) CreateRollbackTask(ctx context.Context, deviceIDs []string, project device.Project, preservedPaths []string, createdBy string) (*BatchTask, error) {
	cfg := Config{
		Project:        project,
		PreservedPaths: cleanPaths(preservedPaths),
		BatchSize:      o.cfg.BatchSize,
		DeviceTimeout:  o.cfg.DeviceTimeout,
	}
	return o.create(ctx, TypeRollback, deviceIDs, cfg, createdBy)
}

func (o *Orchestrator) create(ctx context.Context, typ Type, deviceIDs []string, cfg Config, createdBy string) (*BatchTask, error) {
	if !device.ValidProject(cfg.Project) {
		return nil, fmt.Errorf("%w: unknown project %q", ErrValidation, cfg.Project)
	}
	ids, err := uniqueIDs(deviceIDs)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &BatchTask{
		ID:        uuid.New().String(),
		Type:      typ,
		Status:    StatusPending,
		CreatedBy: createdBy,
		Config:    cfg,
		Devices:   make([]DeviceEntry, len(ids)),
		Logs:      []LogEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, id := range ids {
		t.Devices[i] = DeviceEntry{DeviceID: id, Status: EntryWaiting}
	}
	t.recomputeStats()
	o.log(t, "info", fmt.Sprintf("%s task created for %d devices", typ, len(ids)), "")

	if err := o.repo.Create(ctx, t); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.tasks[t.ID] = t
	o.mu.Unlock()

	o.logger.Info("task created", "task_id", t.ID, "type", string(typ), "devices", len(ids), "created_by", createdBy)
	o.emit(EventCreated, t)
	return t.DeepCopy(), nil
}

// ExecuteTask runs a pending task to completion and blocks until it
// finishes. Calling it on a running or terminal task is a contract
// violation and returns ErrInvalidState without side effects.
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskID string) error {
	o.mu.Lock()
	t, err := o.loadLocked(ctx, taskID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if t.Status != StatusPending {
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot execute task in status %s", ErrInvalidState, t.Status)
	}

	now := time.Now().UTC()
	t.Status = StatusRunning
	t.StartTime = &now
	o.log(t, "info", "task execution started", "")
	o.persistLocked(ctx, t)
	snapshot := t.DeepCopy()
	o.mu.Unlock()

	o.logger.Info("task started", "task_id", taskID, "type", string(snapshot.Type))
	o.emit(EventStarted, snapshot)

	return o.run(ctx, taskID)
}

// run drives the batch loop until no waiting entries remain or the
// task is cancelled.
func (o *Orchestrator) run(ctx context.Context, taskID string) error {
	first := true
	for {
		o.mu.Lock()
		t, err := o.loadLocked(ctx, taskID)
		if err != nil {
			o.mu.Unlock()
			return err
		}

		// Cancellation and shutdown are honored between batches only;
		// an in-flight batch always settles.
		if t.Status == StatusCancelled {
			o.log(t, "warn", "task cancelled, remaining batches skipped", "")
			o.persistLocked(ctx, t)
			o.mu.Unlock()
			o.finish(EventCancelled, t)
			return nil
		}
		if ctx.Err() != nil {
			o.mu.Unlock()
			return ctx.Err()
		}

		batch := o.nextBatchLocked(t)
		if len(batch) == 0 {
			o.finalizeLocked(ctx, t)
			o.mu.Unlock()
			return nil
		}
		cfg := t.Config
		typ := t.Type
		o.mu.Unlock()

		if !first {
			select {
			case <-time.After(o.cfg.BatchDelay):
			case <-ctx.Done():
			}
		}
		first = false

		var wg sync.WaitGroup
		for _, deviceID := range batch {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				o.dispatchDevice(taskID, id, typ, cfg)
			}(deviceID)
		}
		wg.Wait()

		o.mu.Lock()
		t.recomputeStats()
		o.log(t, "info", fmt.Sprintf("batch settled: %d success, %d failed, %d timeout of %d total",
			t.Stats.Success, t.Stats.Failed, t.Stats.Timeout, t.Stats.Total), "")
		o.persistLocked(ctx, t)
		stats := t.Stats
		o.mu.Unlock()

		if o.metrics != nil {
			o.metrics.WriteTaskStats(taskID, string(typ), stats.Total, stats.Success, stats.Failed, stats.Timeout)
		}
	}
}

// nextBatchLocked picks up to BatchSize waiting entries, preserving the
// order devices were submitted in.
func (o *Orchestrator) nextBatchLocked(t *BatchTask) []string {
	size := t.Config.BatchSize
	if size <= 0 {
		size = o.cfg.BatchSize
	}

	var batch []string
	for i := range t.Devices {
		if t.Devices[i].Status == EntryWaiting {
			batch = append(batch, t.Devices[i].DeviceID)
			if len(batch) == size {
				break
			}
		}
	}
	return batch
}

// dispatchDevice runs one device's slot: send the command, then wait
// for its terminal report or the per-device timeout.
func (o *Orchestrator) dispatchDevice(taskID, deviceID string, typ Type, cfg Config) {
	now := time.Now().UTC()

	if !o.presence.IsOnline(deviceID) {
		o.settleEntry(taskID, deviceID, EntryFailed, "device offline")
		return
	}

	payload := commandPayload{
		TaskID:         taskID,
		SessionID:      uuid.New().String(),
		Project:        cfg.Project,
		Package:        cfg.Package,
		DeployPath:     cfg.DeployPath,
		PreservedPaths: cfg.PreservedPaths,
	}

	waiter := make(chan EntryStatus, 1)
	o.mu.Lock()
	t, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return
	}
	if e := t.entry(deviceID); e != nil {
		e.Status = EntryUpgrading
		e.StartTime = &now
		e.Error = ""
		e.EndTime = nil
	}
	if o.waiters[taskID] == nil {
		o.waiters[taskID] = make(map[string]chan EntryStatus)
	}
	o.waiters[taskID][deviceID] = waiter
	o.mu.Unlock()

	if !o.sender.Send(deviceID, string(typ), payload) {
		o.removeWaiter(taskID, deviceID)
		o.settleEntry(taskID, deviceID, EntryFailed, "command delivery failed")
		return
	}

	timeout := cfg.DeviceTimeout
	if timeout <= 0 {
		timeout = o.cfg.DeviceTimeout
	}

	select {
	case status := <-waiter:
		o.removeWaiter(taskID, deviceID)
		o.settleEntry(taskID, deviceID, status, "")
	case <-time.After(timeout):
		o.removeWaiter(taskID, deviceID)
		o.settleEntry(taskID, deviceID, EntryTimeout, fmt.Sprintf("no result within %s", timeout))
	}
}

// settleEntry writes a terminal outcome onto the device entry. The
// entry's own error message wins over the fallback when the device
// reported one through UpdateDeviceStatus.
func (o *Orchestrator) settleEntry(taskID, deviceID string, status EntryStatus, errMsg string) {
	now := time.Now().UTC()

	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[taskID]
	if !ok {
		return
	}
	e := t.entry(deviceID)
	if e == nil || e.Status.Terminal() {
		return
	}

	e.Status = status
	e.EndTime = &now
	if errMsg != "" && e.Error == "" {
		e.Error = errMsg
	}

	level := "info"
	if status != EntrySuccess {
		level = "error"
	}
	o.log(t, level, fmt.Sprintf("device finished with status %s", status), deviceID)
}

// UpdateDeviceStatus is the bridge from device-reported task results.
// Terminal statuses wake the dispatch goroutine waiting on the device;
// intermediate ones only annotate the entry.
func (o *Orchestrator) UpdateDeviceStatus(taskID, deviceID, status, errMsg string) {
	o.mu.Lock()
	t, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		o.logger.Debug("task result for unknown task dropped", "task_id", taskID, "device_id", deviceID)
		return
	}

	e := t.entry(deviceID)
	if e == nil {
		o.mu.Unlock()
		return
	}
	if errMsg != "" {
		e.Error = errMsg
	}

	terminal, mapped := entryStatusFor(status)
	if !terminal {
		o.mu.Unlock()
		return
	}

	var waiter chan EntryStatus
	if m := o.waiters[taskID]; m != nil {
		waiter = m[deviceID]
	}
	o.mu.Unlock()

	if waiter != nil {
		select {
		case waiter <- mapped:
		default:
			// Dispatch already settled this entry (timeout race).
		}
	}
}

// entryStatusFor maps a device-reported status string onto an entry
// status. Unknown strings are treated as intermediate progress.
func entryStatusFor(status string) (terminal bool, mapped EntryStatus) {
	switch strings.ToLower(status) {
	case "success", "succeeded", "ok":
		return true, EntrySuccess
	case "failed", "error":
		return true, EntryFailed
	case "timeout":
		return true, EntryTimeout
	default:
		return false, ""
	}
}

// finalizeLocked settles the task outcome once no waiting entries
// remain: any device success makes the task completed, none makes it
// failed.
func (o *Orchestrator) finalizeLocked(ctx context.Context, t *BatchTask) {
	now := time.Now().UTC()
	t.recomputeStats()

	if t.Stats.Success > 0 {
		t.Status = StatusCompleted
	} else {
		t.Status = StatusFailed
	}
	t.EndTime = &now
	o.log(t, "info", fmt.Sprintf("task finished: %s (%d/%d succeeded)", t.Status, t.Stats.Success, t.Stats.Total), "")
	o.persistLocked(ctx, t)

	snapshot := t.DeepCopy()
	delete(o.tasks, t.ID)
	delete(o.waiters, t.ID)

	o.logger.Info("task finished", "task_id", t.ID, "status", string(t.Status),
		"success", t.Stats.Success, "failed", t.Stats.Failed, "timeout", t.Stats.Timeout)

	event := EventCompleted
	if snapshot.Status == StatusFailed {
		event = EventFailed
	}
	go o.emit(event, snapshot)
}

// finish emits the terminal event for a cancelled task and drops it
// from memory.
func (o *Orchestrator) finish(event string, t *BatchTask) {
	o.mu.Lock()
	delete(o.tasks, t.ID)
	delete(o.waiters, t.ID)
	snapshot := t.DeepCopy()
	o.mu.Unlock()

	o.emit(event, snapshot)
}

// CancelTask requests cancellation of a pending or running task. A
// running task stops at the next batch boundary; its in-flight batch
// still settles. Terminal tasks cannot be cancelled.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, err := o.loadLocked(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: cannot cancel task in status %s", ErrInvalidState, t.Status)
	}

	wasPending := t.Status == StatusPending
	now := time.Now().UTC()
	t.Status = StatusCancelled
	t.EndTime = &now
	o.log(t, "warn", "task cancelled by operator", "")
	o.persistLocked(ctx, t)

	o.logger.Info("task cancelled", "task_id", taskID)

	// A pending task has no batch loop to notice the flag; settle it here.
	if wasPending {
		snapshot := t.DeepCopy()
		delete(o.tasks, taskID)
		delete(o.waiters, taskID)
		go o.emit(EventCancelled, snapshot)
	}
	return nil
}

// RetryFailedDevices resets failed and timed-out entries under the
// retry cap back to waiting and reruns the batch loop over just those
// entries. It blocks until the rerun finishes.
func (o *Orchestrator) RetryFailedDevices(ctx context.Context, taskID string) error {
	o.mu.Lock()
	t, err := o.loadLocked(ctx, taskID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if t.Status == StatusRunning {
		o.mu.Unlock()
		return fmt.Errorf("%w: task is still running", ErrInvalidState)
	}

	eligible := 0
	for i := range t.Devices {
		e := &t.Devices[i]
		if (e.Status == EntryFailed || e.Status == EntryTimeout) && e.RetryCount < o.cfg.RetryCap {
			e.Status = EntryWaiting
			e.RetryCount++
			e.Error = ""
			e.StartTime = nil
			e.EndTime = nil
			eligible++
		}
	}
	if eligible == 0 {
		o.mu.Unlock()
		return ErrNothingToRetry
	}

	t.Status = StatusRunning
	t.EndTime = nil
	t.recomputeStats()
	// The task was terminal, so loadLocked left it out of the active
	// map; revived, it goes back in for the batch loop.
	o.tasks[taskID] = t
	o.log(t, "info", fmt.Sprintf("retrying %d devices", eligible), "")
	o.persistLocked(ctx, t)
	snapshot := t.DeepCopy()
	o.mu.Unlock()

	o.logger.Info("task retry started", "task_id", taskID, "devices", eligible)
	o.emit(EventStarted, snapshot)

	return o.run(ctx, taskID)
}

// RecoverInterrupted settles tasks that were running when the process
// died: they are marked failed with an interruption log line. Pending
// tasks are left untouched. Call once on startup.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) error {
	running, err := o.repo.ListByStatus(ctx, StatusRunning)
	if err != nil {
		return fmt.Errorf("listing interrupted tasks: %w", err)
	}

	now := time.Now().UTC()
	for i := range running {
		t := &running[i]
		t.Status = StatusFailed
		t.EndTime = &now
		t.UpdatedAt = now
		for j := range t.Devices {
			if !t.Devices[j].Status.Terminal() {
				t.Devices[j].Status = EntryFailed
				t.Devices[j].Error = "interrupted by service restart"
				t.Devices[j].EndTime = &now
			}
		}
		t.recomputeStats()
		t.appendLog(o.cfg.MaxLogEntries, o.cfg.TrimLogEntries, "error", "task interrupted by service restart, marked failed", "")
		if err := o.repo.Update(ctx, t); err != nil {
			o.logger.Error("failed to settle interrupted task", "task_id", t.ID, "error", err)
			continue
		}
		o.logger.Warn("interrupted task marked failed", "task_id", t.ID)
	}
	return nil
}

// GetTask returns a copy of the task, preferring live in-memory state.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*BatchTask, error) {
	o.mu.Lock()
	if t, ok := o.tasks[taskID]; ok {
		cpy := t.DeepCopy()
		o.mu.Unlock()
		return cpy, nil
	}
	o.mu.Unlock()

	return o.repo.GetByID(ctx, taskID)
}

// ListTasks returns all tasks newest first, overlaying live in-memory
// state over persisted rows.
func (o *Orchestrator) ListTasks(ctx context.Context) ([]BatchTask, error) {
	tasks, err := o.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	for i := range tasks {
		if live, ok := o.tasks[tasks[i].ID]; ok {
			tasks[i] = *live.DeepCopy()
		}
	}
	o.mu.Unlock()

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// TaskStats returns fleet-wide task counts by status.
func (o *Orchestrator) TaskStats(ctx context.Context) (map[Status]int, error) {
	tasks, err := o.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	stats := make(map[Status]int)
	for i := range tasks {
		stats[tasks[i].Status]++
	}
	return stats, nil
}

// RunRetentionSweep deletes tasks older than the retention window on a
// fixed interval until the context is cancelled.
func (o *Orchestrator) RunRetentionSweep(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.RetentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-o.cfg.Retention)
			n, err := o.repo.DeleteCreatedBefore(ctx, cutoff)
			if err != nil {
				o.logger.Error("task retention sweep failed", "error", err)
				continue
			}
			if n > 0 {
				o.logger.Info("task retention sweep removed expired tasks", "count", n)
			}
		}
	}
}

// loadLocked returns the in-memory task, falling back to the store for
// tasks not currently active. Terminal tasks are returned without
// entering the active map: they only belong there when a caller revives
// them, otherwise the map would accumulate every settled task an
// operator ever looks at. Callers hold the mutex.
func (o *Orchestrator) loadLocked(ctx context.Context, taskID string) (*BatchTask, error) {
	if t, ok := o.tasks[taskID]; ok {
		return t, nil
	}
	t, err := o.repo.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.Status.Terminal() {
		o.tasks[taskID] = t
	}
	return t, nil
}

// persistLocked saves the task, logging rather than propagating
// failures: the in-memory state remains authoritative and the next
// transition retries the write.
func (o *Orchestrator) persistLocked(ctx context.Context, t *BatchTask) {
	t.UpdatedAt = time.Now().UTC()
	if err := o.repo.Update(ctx, t); err != nil {
		o.logger.Error("task persist failed", "task_id", t.ID, "error", err)
	}
}

func (o *Orchestrator) log(t *BatchTask, level, message, deviceID string) {
	t.appendLog(o.cfg.MaxLogEntries, o.cfg.TrimLogEntries, level, message, deviceID)
}

func (o *Orchestrator) emit(event string, t *BatchTask) {
	if o.events != nil {
		o.events.TaskEvent(event, t.DeepCopy())
	}
}

func (o *Orchestrator) removeWaiter(taskID, deviceID string) {
	o.mu.Lock()
	if m := o.waiters[taskID]; m != nil {
		delete(m, deviceID)
	}
	o.mu.Unlock()
}

// uniqueIDs validates and dedupes the submitted device list.
func uniqueIDs(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: device list is empty", ErrValidation)
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%w: blank device id", ErrValidation)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate device id %q", ErrValidation, id)
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// cleanPaths trims entries and drops empties.
func cleanPaths(paths []string) []string {
	var out []string
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
