package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bifrost-run/bifrost/internal/ephemeral"
	"github.com/bifrost-run/bifrost/internal/execution"
	"github.com/bifrost-run/bifrost/internal/log"
	"github.com/bifrost-run/bifrost/internal/progress"
	"github.com/bifrost-run/bifrost/internal/resolver"
	"github.com/bifrost-run/bifrost/internal/worker"
)

const defaultTickInterval = 250 * time.Millisecond

// Config holds configuration for the pool manager.
type Config struct {
	// WorkerID identifies this pool in heartbeat registrations.
	WorkerID string

	// Spawner creates worker children.
	Spawner Spawner

	// Store is the ephemeral fabric for heartbeats and cancel pub/sub.
	Store ephemeral.Store

	// Publisher forwards worker progress events.
	Publisher *progress.Publisher

	// Results receives every terminal result exactly once.
	Results ResultFunc

	// Registry, when set, drives recycling on target invalidation.
	Registry *resolver.Registry

	MinWorkers             int
	MaxWorkers             int
	ExecutionTimeout       time.Duration
	GracefulShutdown       time.Duration
	RecycleAfterExecutions int
	HeartbeatInterval      time.Duration
	RegistrationTTL        time.Duration

	// IdleCooldown drains slots above MinWorkers that have been idle this
	// long. Zero disables scale-down.
	IdleCooldown time.Duration

	// ScaleUpRatio is the busy/total high-water mark. When the pool stays
	// at or above it for longer than one heartbeat interval while below
	// MaxWorkers, one slot is spawned. Zero disables scale-up.
	ScaleUpRatio float64

	// TickInterval controls deadline resolution. Defaults to 250ms.
	TickInterval time.Duration

	// Alive probes whether a PID still exists. Defaults to a signal-0
	// check; tests override it.
	Alive func(pid int) bool
}

// Manager is the process-pool manager. All slot state is owned by a
// single event loop; external callers interact through messages.
type Manager struct {
	cfg Config
	ctx context.Context

	msgs chan managerMsg
	done chan struct{}

	slots      map[int]*slot
	nextSlotID int
	shutting   bool
	closed     atomic.Bool

	startedAt     time.Time
	nextHeartbeat time.Time
	busyHighSince time.Time
}

type managerMsg interface{ isManagerMsg() }

type dispatchMsg struct {
	assign Assignment
	reply  chan error
}
type childMsg struct {
	slotID int
	event  worker.Event
}
type exitMsg struct{ slotID int }
type cancelMsg struct{ req execution.CancelRequest }
type invalidateMsg struct{ targets []string }
type snapshotMsg struct{ reply chan []SlotInfo }
type stopMsg struct{}

func (dispatchMsg) isManagerMsg()   {}
func (childMsg) isManagerMsg()      {}
func (exitMsg) isManagerMsg()       {}
func (cancelMsg) isManagerMsg()     {}
func (invalidateMsg) isManagerMsg() {}
func (snapshotMsg) isManagerMsg()   {}
func (stopMsg) isManagerMsg()       {}

// NewManager creates a pool manager. Call Start to spawn workers and
// begin processing.
func NewManager(cfg Config) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.Alive == nil {
		cfg.Alive = isProcessAlive
	}
	return &Manager{
		cfg:       cfg,
		msgs:      make(chan managerMsg, 256),
		done:      make(chan struct{}),
		slots:     make(map[int]*slot),
		startedAt: time.Now(),
	}
}

// Start spawns the minimum worker set, subscribes to the cancel channel
// and registry invalidations, and launches the event loop.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx = ctx

	for range m.cfg.MinWorkers {
		if err := m.spawnSlot(); err != nil {
			return fmt.Errorf("spawning initial workers: %w", err)
		}
	}

	cancels, err := m.cfg.Store.Subscribe(ctx, execution.CancelChannel)
	if err != nil {
		return fmt.Errorf("subscribing to cancel channel: %w", err)
	}
	log.SafeGo("pool-cancel-pump", func() {
		for msg := range cancels {
			var req execution.CancelRequest
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				log.ErrorErr(log.CatPool, "Dropping malformed cancel request", err)
				continue
			}
			m.post(cancelMsg{req: req})
		}
	})

	if m.cfg.Registry != nil {
		invalidations := m.cfg.Registry.Invalidations(ctx)
		log.SafeGo("pool-invalidation-pump", func() {
			for ev := range invalidations {
				m.post(invalidateMsg{targets: ev.Payload})
			}
		})
	}

	m.writeHeartbeat()
	log.SafeGo("pool-loop", func() { m.loop(ctx) })
	log.Info(log.CatPool, "Pool started",
		"worker_id", m.cfg.WorkerID, "min", m.cfg.MinWorkers, "max", m.cfg.MaxWorkers)
	return nil
}

// Dispatch hands an execution to an idle slot, growing the pool when
// allowed. Returns ErrSaturated when every slot is busy at max size.
func (m *Manager) Dispatch(ctx context.Context, a Assignment) error {
	if m.closed.Load() {
		return ErrClosed
	}
	reply := make(chan error, 1)
	select {
	case m.msgs <- dispatchMsg{assign: a, reply: reply}:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current slot states.
func (m *Manager) Snapshot() []SlotInfo {
	reply := make(chan []SlotInfo, 1)
	select {
	case m.msgs <- snapshotMsg{reply: reply}:
	case <-m.done:
		return nil
	}
	select {
	case infos := <-reply:
		return infos
	case <-m.done:
		return nil
	}
}

// Stop drains the pool: SIGTERM to every child, SIGKILL after the grace
// window, synthetic CANCELLED results for anything still in flight, and
// deregistration. Blocks until the loop exits or ctx does.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		<-m.done
		return nil
	}
	select {
	case m.msgs <- stopMsg{}:
	case <-m.done:
		return nil
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the pool has fully shut down.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// post delivers a message to the loop unless the pool already shut down.
func (m *Manager) post(msg managerMsg) {
	select {
	case m.msgs <- msg:
	case <-m.done:
	}
}

func (m *Manager) loop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case msg := <-m.msgs:
			switch msg := msg.(type) {
			case dispatchMsg:
				msg.reply <- m.handleDispatch(msg.assign)
			case childMsg:
				m.handleChildEvent(msg.slotID, msg.event)
			case exitMsg:
				m.handleExit(msg.slotID)
			case cancelMsg:
				m.handleCancel(msg.req)
			case invalidateMsg:
				m.handleInvalidate(msg.targets)
			case snapshotMsg:
				infos := make([]SlotInfo, 0, len(m.slots))
				for _, s := range m.slots {
					infos = append(infos, s.info())
				}
				msg.reply <- infos
			case stopMsg:
				m.shutdown()
				return
			}
		case <-ticker.C:
			m.tick(time.Now())
		}
	}
}

// spawnSlot creates a new worker child and wires its event pump.
func (m *Manager) spawnSlot() error {
	proc, err := m.cfg.Spawner()
	if err != nil {
		return err
	}

	m.nextSlotID++
	s := &slot{id: m.nextSlotID, proc: proc, state: SlotStarting}
	m.slots[s.id] = s

	slotID := s.id
	log.SafeGo("pool-slot-pump", func() {
		for ev := range proc.Events() {
			m.post(childMsg{slotID: slotID, event: ev})
		}
		<-proc.Done()
		m.post(exitMsg{slotID: slotID})
	})

	log.Debug(log.CatPool, "Slot spawned", "slot", s.id, "pid", proc.PID())
	return nil
}

func (m *Manager) handleDispatch(a Assignment) error {
	if m.shutting {
		return ErrClosed
	}

	// Prefer the longest-idle slot so churny slots stay warm and stale
	// ones age out through the cool-down pass.
	var idle *slot
	for _, s := range m.slots {
		if s.state != SlotIdle {
			continue
		}
		if idle == nil || s.idleSince.Before(idle.idleSince) {
			idle = s
		}
	}
	if idle != nil {
		m.assign(idle, a)
		return nil
	}
	for _, s := range m.slots {
		if s.state == SlotStarting && s.pending == nil {
			s.pending = &a
			return nil
		}
	}

	if len(m.slots) < m.cfg.MaxWorkers {
		if err := m.spawnSlot(); err != nil {
			return fmt.Errorf("growing pool: %w", err)
		}
		// The new slot is still STARTING; park the assignment on it.
		s := m.slots[m.nextSlotID]
		s.pending = &a
		return nil
	}

	return ErrSaturated
}

// assign puts an execution on an idle slot.
func (m *Manager) assign(s *slot, a Assignment) {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = m.cfg.ExecutionTimeout
	}

	now := time.Now()
	s.state = SlotBusy
	s.current = a
	s.startedAt = now
	s.deadline = now.Add(timeout)
	s.killAt = time.Time{}
	s.resultDelivered = false

	if err := s.proc.Send(worker.Command{Type: worker.CommandRun, ExecutionID: a.ExecutionID}); err != nil {
		log.ErrorErr(log.CatPool, "Run command failed", err, "slot", s.id, "execution", a.ExecutionID)
		m.synthesize(s, execution.StatusFailed, execution.ErrorWorkerCrashed,
			fmt.Sprintf("failed to hand off execution: %v", err))
		m.killSlot(s)
		return
	}
	log.Info(log.CatPool, "Execution assigned", "slot", s.id, "execution", a.ExecutionID)
}

func (m *Manager) handleChildEvent(slotID int, ev worker.Event) {
	s, ok := m.slots[slotID]
	if !ok {
		return
	}

	switch ev.Type {
	case worker.EventReady:
		if s.state != SlotStarting {
			return
		}
		s.state = SlotIdle
		s.idleSince = time.Now()
		log.Debug(log.CatPool, "Slot ready", "slot", s.id, "pid", ev.PID)
		if s.pending != nil {
			a := *s.pending
			s.pending = nil
			m.assign(s, a)
		}

	case worker.EventProgress:
		if s.current.ExecutionID != ev.ExecutionID || s.resultDelivered {
			return
		}
		if m.cfg.Publisher != nil {
			if err := m.cfg.Publisher.Publish(m.ctx, ev.ExecutionID, s.current.TenantID, ev.Kind, ev.Payload); err != nil {
				log.ErrorErr(log.CatPool, "Progress forward failed", err, "execution", ev.ExecutionID)
			}
		}

	case worker.EventResult:
		if ev.Result == nil || s.current.ExecutionID != ev.Result.ExecutionID {
			return
		}
		if s.resultDelivered {
			// A synthetic TIMEOUT/CANCELLED already won; the worker's
			// late result loses the race.
			log.Debug(log.CatPool, "Dropping late worker result", "execution", ev.Result.ExecutionID)
			return
		}
		s.resultDelivered = true
		s.runs++
		m.deliver(ev.Result)
		m.finishRun(s)
	}
}

// finishRun returns a slot to IDLE, or drains it when recycling is due.
func (m *Manager) finishRun(s *slot) {
	recycle := s.recycleAfter ||
		(m.cfg.RecycleAfterExecutions > 0 && s.runs >= m.cfg.RecycleAfterExecutions)
	if recycle {
		log.Info(log.CatPool, "Recycling slot", "slot", s.id, "runs", s.runs)
		m.drainSlot(s)
		return
	}
	s.state = SlotIdle
	s.idleSince = time.Now()
	s.current = Assignment{}
	s.deadline = time.Time{}
}

// drainSlot asks the child to exit gracefully and arms escalation.
func (m *Manager) drainSlot(s *slot) {
	if s.state == SlotDraining || s.state == SlotKilled {
		return
	}
	s.state = SlotDraining
	s.killAt = time.Now().Add(m.cfg.GracefulShutdown)
	if err := s.proc.Send(worker.Command{Type: worker.CommandTerminate}); err != nil {
		log.Debug(log.CatPool, "Terminate command failed, signalling instead", "slot", s.id, "error", err)
	}
	if err := s.proc.Terminate(); err != nil {
		log.Debug(log.CatPool, "SIGTERM failed", "slot", s.id, "error", err)
	}
}

// killSlot escalates immediately.
func (m *Manager) killSlot(s *slot) {
	if s.state == SlotKilled {
		return
	}
	s.state = SlotKilled
	s.killAt = time.Time{}
	if err := s.proc.Kill(); err != nil {
		log.Debug(log.CatPool, "SIGKILL failed", "slot", s.id, "error", err)
	}
}

func (m *Manager) handleExit(slotID int) {
	s, ok := m.slots[slotID]
	if !ok {
		return
	}
	delete(m.slots, slotID)

	// An assignment parked on a slot that died before ready would be
	// lost silently; fail it so the record reaches a terminal state.
	if s.pending != nil {
		pending := *s.pending
		s.pending = nil
		m.deliver(&execution.Result{
			ExecutionID:  pending.ExecutionID,
			Status:       execution.StatusFailed,
			ErrorKind:    execution.ErrorWorkerCrashed,
			ErrorMessage: "worker process died before accepting the execution",
		})
	}

	hadExecution := s.state == SlotBusy || s.state == SlotDraining || s.state == SlotKilled
	if hadExecution && s.current.ExecutionID != "" && !s.resultDelivered {
		message := "worker process died mid-execution"
		if err := s.proc.ExitErr(); err != nil {
			message = fmt.Sprintf("worker process died mid-execution: %v", err)
		}
		if lines := s.proc.StderrLines(); len(lines) > 0 {
			tail := lines
			if len(tail) > 5 {
				tail = tail[len(tail)-5:]
			}
			message = fmt.Sprintf("%s; stderr: %s", message, strings.Join(tail, " | "))
		}
		s.resultDelivered = true
		m.synthesize(s, execution.StatusFailed, execution.ErrorWorkerCrashed, message)
	}

	log.Info(log.CatPool, "Slot exited", "slot", slotID, "state", s.state)

	if !m.shutting && len(m.slots) < m.cfg.MinWorkers {
		if err := m.spawnSlot(); err != nil {
			log.ErrorErr(log.CatPool, "Respawn failed", err)
		}
	}
}

func (m *Manager) handleCancel(req execution.CancelRequest) {
	for _, s := range m.slots {
		matchesCurrent := s.current.ExecutionID == req.ExecutionID &&
			(s.state == SlotBusy || s.state == SlotDraining)
		if matchesCurrent && !s.resultDelivered {
			log.Info(log.CatPool, "Cancelling execution", "execution", req.ExecutionID, "slot", s.id, "reason", req.Reason)
			s.resultDelivered = true
			m.synthesize(s, execution.StatusCancelled, execution.ErrorCancelled, cancelMessage(req))
			m.drainSlot(s)
			return
		}
		if s.pending != nil && s.pending.ExecutionID == req.ExecutionID {
			pending := *s.pending
			s.pending = nil
			log.Info(log.CatPool, "Cancelling parked execution", "execution", req.ExecutionID, "slot", s.id)
			m.deliver(&execution.Result{
				ExecutionID:  pending.ExecutionID,
				Status:       execution.StatusCancelled,
				ErrorKind:    execution.ErrorCancelled,
				ErrorMessage: cancelMessage(req),
			})
			return
		}
	}
	// Not ours: the execution may be queued, finished, owned by another
	// pool, or the ID may be garbage. Log enough to tell which.
	log.Warn(log.CatPool, "Cancel for unknown execution",
		"execution", req.ExecutionID, "worker_id", m.cfg.WorkerID, "slots", len(m.slots))
}

func cancelMessage(req execution.CancelRequest) string {
	if req.Reason != "" {
		return fmt.Sprintf("cancelled: %s", req.Reason)
	}
	return "cancelled by request"
}

func (m *Manager) handleInvalidate(targets []string) {
	log.Info(log.CatPool, "Target invalidation, recycling workers", "targets", len(targets))
	for _, s := range m.slots {
		switch s.state {
		case SlotIdle:
			m.drainSlot(s)
		case SlotBusy:
			s.recycleAfter = true
		}
	}
}

func (m *Manager) tick(now time.Time) {
	for _, s := range m.slots {
		switch s.state {
		case SlotBusy:
			if !s.deadline.IsZero() && now.After(s.deadline) && !s.resultDelivered {
				log.Warn(log.CatPool, "Execution timed out", "execution", s.current.ExecutionID, "slot", s.id)
				s.resultDelivered = true
				m.synthesize(s, execution.StatusTimeout, execution.ErrorTimeout,
					fmt.Sprintf("execution exceeded %s", s.deadline.Sub(s.startedAt)))
				m.drainSlot(s)
			}
		case SlotDraining:
			if !s.killAt.IsZero() && now.After(s.killAt) {
				log.Warn(log.CatPool, "Escalating to SIGKILL", "slot", s.id)
				m.killSlot(s)
			}
		}

		// A child whose PID is gone but whose pipes are still held open
		// by a grandchild never EOFs; force the reap.
		if pid := s.proc.PID(); pid > 0 && !m.cfg.Alive(pid) {
			select {
			case <-s.proc.Done():
			default:
				log.Warn(log.CatPool, "Slot process vanished, forcing kill", "slot", s.id, "pid", pid)
				m.killSlot(s)
			}
		}
	}

	if !m.shutting && len(m.slots) < m.cfg.MinWorkers {
		if err := m.spawnSlot(); err != nil {
			log.ErrorErr(log.CatPool, "Respawn failed", err)
		}
	}

	// High-water scale-up: a pool that stays mostly busy for longer than
	// one heartbeat interval gets one slot ahead of demand. Saturation
	// dispatches still spawn immediately; this covers sustained load
	// that keeps just below saturation.
	if m.cfg.ScaleUpRatio > 0 && !m.shutting && len(m.slots) > 0 && len(m.slots) < m.cfg.MaxWorkers {
		busy := 0
		for _, s := range m.slots {
			if s.state == SlotBusy {
				busy++
			}
		}
		if float64(busy)/float64(len(m.slots)) >= m.cfg.ScaleUpRatio {
			if m.busyHighSince.IsZero() {
				m.busyHighSince = now
			} else if now.Sub(m.busyHighSince) > m.cfg.HeartbeatInterval {
				log.Info(log.CatPool, "Scaling up on sustained load",
					"busy", busy, "total", len(m.slots), "high_since", m.busyHighSince)
				if err := m.spawnSlot(); err != nil {
					log.ErrorErr(log.CatPool, "Scale-up spawn failed", err)
				}
				m.busyHighSince = time.Time{}
			}
		} else {
			m.busyHighSince = time.Time{}
		}
	} else {
		m.busyHighSince = time.Time{}
	}

	// Cool-down: shrink back toward the minimum by draining slots that
	// have sat idle past the window.
	if m.cfg.IdleCooldown > 0 {
		excess := len(m.slots) - m.cfg.MinWorkers
		for _, s := range m.slots {
			if excess <= 0 {
				break
			}
			if s.state == SlotIdle && now.Sub(s.idleSince) >= m.cfg.IdleCooldown {
				log.Info(log.CatPool, "Draining idle slot", "slot", s.id, "idle", now.Sub(s.idleSince))
				m.drainSlot(s)
				excess--
			}
		}
	}

	if m.cfg.HeartbeatInterval > 0 && now.After(m.nextHeartbeat) {
		m.writeHeartbeat()
	}
}

// synthesize delivers a pool-generated terminal result for the slot's
// current execution.
func (m *Manager) synthesize(s *slot, status execution.Status, kind execution.ErrorKind, message string) {
	m.deliver(&execution.Result{
		ExecutionID:  s.current.ExecutionID,
		Status:       status,
		ErrorKind:    kind,
		ErrorMessage: message,
		Usage: execution.ResourceUsage{
			DurationMS: time.Since(s.startedAt).Milliseconds(),
		},
	})
}

// deliver hands a result to the result path off the loop goroutine.
func (m *Manager) deliver(res *execution.Result) {
	if m.cfg.Results == nil {
		return
	}
	results := m.cfg.Results
	log.SafeGo("pool-result-delivery", func() { results(res) })
}

func (m *Manager) writeHeartbeat() {
	m.nextHeartbeat = time.Now().Add(m.cfg.HeartbeatInterval)
	if m.cfg.WorkerID == "" {
		return
	}

	reg := Registration{
		WorkerID:      m.cfg.WorkerID,
		PID:           selfPID(),
		UpdatedAt:     time.Now().UnixMilli(),
		UptimeSeconds: int64(time.Since(m.startedAt) / time.Second),
		RSSBytes:      residentMemoryBytes(),
		Slots:         make([]SlotInfo, 0, len(m.slots)),
	}
	for _, s := range m.slots {
		reg.Slots = append(reg.Slots, s.info())
	}

	raw, err := json.Marshal(reg)
	if err != nil {
		return
	}
	if err := m.cfg.Store.Set(m.ctx, execution.PoolKey(m.cfg.WorkerID), raw, m.cfg.RegistrationTTL); err != nil {
		log.ErrorErr(log.CatPool, "Heartbeat write failed", err, "worker_id", m.cfg.WorkerID)
	}
}

// shutdown drains every slot and deregisters the pool.
func (m *Manager) shutdown() {
	m.shutting = true
	m.closed.Store(true)
	defer close(m.done)

	log.Info(log.CatPool, "Pool shutting down", "slots", len(m.slots))

	for _, s := range m.slots {
		if s.pending != nil {
			pending := *s.pending
			s.pending = nil
			m.deliver(&execution.Result{
				ExecutionID:  pending.ExecutionID,
				Status:       execution.StatusCancelled,
				ErrorKind:    execution.ErrorCancelled,
				ErrorMessage: "pool shutting down",
			})
		}
		if (s.state == SlotBusy || s.state == SlotDraining) && s.current.ExecutionID != "" && !s.resultDelivered {
			s.resultDelivered = true
			m.synthesize(s, execution.StatusCancelled, execution.ErrorCancelled, "pool shutting down")
		}
		m.drainSlot(s)
	}

	// Keep consuming messages while waiting for exits so slot pumps never
	// block; a blocked pump would keep a child's pipes from draining and
	// its Done from ever closing.
	deadline := time.After(m.cfg.GracefulShutdown)
	escalated := false
	for len(m.slots) > 0 {
		select {
		case msg := <-m.msgs:
			switch msg := msg.(type) {
			case exitMsg:
				delete(m.slots, msg.slotID)
			case dispatchMsg:
				msg.reply <- ErrClosed
			case snapshotMsg:
				msg.reply <- nil
			}
		case <-deadline:
			if escalated {
				continue
			}
			escalated = true
			for _, s := range m.slots {
				m.killSlot(s)
			}
		}
	}

	if m.cfg.WorkerID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := m.cfg.Store.Delete(ctx, execution.PoolKey(m.cfg.WorkerID)); err != nil {
			log.ErrorErr(log.CatPool, "Deregistration failed", err, "worker_id", m.cfg.WorkerID)
		}
	}
	log.Info(log.CatPool, "Pool stopped", "worker_id", m.cfg.WorkerID)
}
