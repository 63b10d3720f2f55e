package pool

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/bifrost-run/bifrost/internal/execution"
	"github.com/bifrost-run/bifrost/internal/worker"
)

// TestManager_SlotMachineProperty drives the manager's handlers directly
// with random sequences of dispatches, ready/result events, cancels,
// exits, and timeout ticks, and checks that every accepted execution
// produces at most one terminal result and that slot state stays
// consistent. Calling the handlers inline mirrors the single-goroutine
// discipline of the real event loop.
func TestManager_SlotMachineProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		var mu sync.Mutex
		counts := make(map[execution.ID]int)

		pid := 0
		m := NewManager(Config{
			Spawner: func() (ChildProcess, error) {
				pid++
				return NewFakeProcess(pid), nil
			},
			Results: func(res *execution.Result) {
				mu.Lock()
				counts[res.ExecutionID]++
				mu.Unlock()
			},
			MinWorkers:       0,
			MaxWorkers:       3,
			ExecutionTimeout: time.Hour,
			GracefulShutdown: time.Hour,
			Alive:            func(int) bool { return true },
		})

		slotIDs := func(states ...SlotState) []int {
			var ids []int
			for id, s := range m.slots {
				for _, st := range states {
					if s.state == st {
						ids = append(ids, id)
					}
				}
			}
			return ids
		}

		accepted := 0
		nextExec := 0
		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for range steps {
			op := rapid.IntRange(0, 5).Draw(rt, "op")
			switch op {
			case 0: // dispatch
				nextExec++
				id := execution.ID(fmt.Sprintf("exec-%d", nextExec))
				if err := m.handleDispatch(Assignment{ExecutionID: id}); err == nil {
					accepted++
				}

			case 1: // a starting slot announces ready
				if ids := slotIDs(SlotStarting); len(ids) > 0 {
					id := rapid.SampledFrom(ids).Draw(rt, "ready_slot")
					m.handleChildEvent(id, worker.Event{Type: worker.EventReady, PID: m.slots[id].proc.PID()})
				}

			case 2: // a busy slot reports its result
				if ids := slotIDs(SlotBusy); len(ids) > 0 {
					id := rapid.SampledFrom(ids).Draw(rt, "result_slot")
					s := m.slots[id]
					m.handleChildEvent(id, worker.Event{
						Type:        worker.EventResult,
						ExecutionID: s.current.ExecutionID,
						Result:      &execution.Result{ExecutionID: s.current.ExecutionID, Status: execution.StatusSuccess},
					})
				}

			case 3: // cancel whatever a random slot is holding
				if ids := slotIDs(SlotBusy, SlotStarting); len(ids) > 0 {
					id := rapid.SampledFrom(ids).Draw(rt, "cancel_slot")
					s := m.slots[id]
					target := s.current.ExecutionID
					if s.pending != nil {
						target = s.pending.ExecutionID
					}
					if target != "" {
						m.handleCancel(execution.CancelRequest{ExecutionID: target})
					}
				}

			case 4: // a slot's process dies
				var ids []int
				for id := range m.slots {
					ids = append(ids, id)
				}
				if len(ids) > 0 {
					id := rapid.SampledFrom(ids).Draw(rt, "exit_slot")
					m.handleExit(id)
				}

			case 5: // far-future tick: every busy slot times out
				m.tick(time.Now().Add(2 * time.Hour))
			}

			// Slot-state consistency after every step.
			for _, s := range m.slots {
				if s.state == SlotIdle {
					require.Empty(rt, s.current.ExecutionID, "idle slot still holds an execution")
					require.Nil(rt, s.pending, "idle slot has parked work")
				}
				if s.state == SlotBusy {
					require.NotEmpty(rt, s.current.ExecutionID, "busy slot with no execution")
				}
			}
		}

		// Everything accepted is either still in flight or was delivered
		// exactly once.
		inFlight := 0
		for _, s := range m.slots {
			if s.pending != nil {
				inFlight++
			}
			if s.current.ExecutionID != "" && !s.resultDelivered {
				inFlight++
			}
		}
		expected := accepted - inFlight

		require.Eventually(rt, func() bool {
			mu.Lock()
			defer mu.Unlock()
			total := 0
			for _, n := range counts {
				if n > 1 {
					return false
				}
				total += n
			}
			return total == expected
		}, 2*time.Second, time.Millisecond, "expected exactly %d delivered results", expected)

		mu.Lock()
		defer mu.Unlock()
		for id, n := range counts {
			require.LessOrEqual(rt, n, 1, "execution %s got %d results", id, n)
		}
	})
}
