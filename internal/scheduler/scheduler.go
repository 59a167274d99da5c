// Package scheduler implements the per-game event scheduler: a
// priority queue, a single worker, two idle timers, and mute/sleep
// suspension semantics, guarding the single-flight invariant against
// the generator.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher is implemented by the game-level component that actually
// knows how to act on a dequeued event (the decider, context log, and
// action table live behind it). The scheduler calls exactly one of
// these per dequeued event, and never re-enters while one is running.
type Dispatcher interface {
	HandleContext(ctx context.Context, c Context) error
	HandleTryAction(ctx context.Context, t TryAction) error
	HandleForceAction(ctx context.Context, f ForceAction) error
	HandleSay(ctx context.Context, s Say) error
	HandleClearContext(ctx context.Context) error
}

// pollInterval bounds how long the worker waits when the queue is
// empty or another event is still being processed.
const pollInterval = 100 * time.Millisecond

// Scheduler runs one logical worker for a single game.
type Scheduler struct {
	logger     *slog.Logger
	dispatcher Dispatcher

	idleTry   time.Duration
	idleForce time.Duration

	mu               sync.Mutex
	q                *queue
	active           bool
	busy             bool
	pendingTryAction bool
	mutedWeb         bool
	mutedGame        bool
	sleeping         bool

	tryTimer   *time.Timer
	forceTimer *time.Timer

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler for one game. idleTry/idleForce of zero
// disable the corresponding timer.
func New(logger *slog.Logger, dispatcher Dispatcher, idleTry, idleForce time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:     logger,
		dispatcher: dispatcher,
		idleTry:    idleTry,
		idleForce:  idleForce,
		q:          newQueue(),
	}
}

// Start begins the worker loop and arms both idle timers.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.stopCh = make(chan struct{})
	s.armTryTimerLocked()
	s.armForceTimerLocked()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
}

// Stop halts the worker loop and disarms both timers. Any event
// currently being dispatched is allowed to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.disarmTimersLocked()
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
}

// --- enqueue API, called from connection/registry goroutines ---

// EnqueueContext enqueues a context-log append. If the event is not
// silent, a follow-up TryAction is enqueued as well (prompting the
// model to react), mirroring send_context's behavior.
func (s *Scheduler) EnqueueContext(c Context) {
	s.pushLocked(contextEvent(c))
	if !c.Silent {
		s.EnqueueTryAction(TryAction{})
	}
}

// EnqueueTryAction enqueues a request for the model to decide whether
// to act. A second enqueue while one is already pending is silently
// coalesced.
func (s *Scheduler) EnqueueTryAction(t TryAction) {
	s.mu.Lock()
	if s.pendingTryAction {
		s.mu.Unlock()
		return
	}
	s.pendingTryAction = true
	s.mu.Unlock()
	s.pushLocked(tryActionEvent(t))
}

// EnqueueForceAction enqueues a forced action decision. Priority 0: it
// preempts any queued TryAction.
func (s *Scheduler) EnqueueForceAction(f ForceAction) {
	s.pushLocked(forceActionEvent(f))
}

// EnqueueSay enqueues a forced say.
func (s *Scheduler) EnqueueSay(sy Say) {
	s.pushLocked(sayEvent(sy))
}

// EnqueueSleep enqueues a pacing sleep (e.g. after a say, to simulate
// waiting on text-to-speech).
func (s *Scheduler) EnqueueSleep(duration time.Duration) {
	s.pushLocked(sleepEvent(Sleep{Duration: duration}))
}

// EnqueueClearContext enqueues an unconditional context reset.
func (s *Scheduler) EnqueueClearContext() {
	s.pushLocked(clearContextEvent())
}

// EnqueueMute/EnqueueUnmute enqueue the game-initiated mute toggle.
// These are processed by the worker itself (not forwarded to the
// Dispatcher) since mute state belongs to the scheduler.
func (s *Scheduler) EnqueueMute()   { s.pushLocked(muteEvent()) }
func (s *Scheduler) EnqueueUnmute() { s.pushLocked(unmuteEvent()) }

// SetMutedWeb toggles the operator-initiated mute flag directly; unlike
// game-initiated mute/unmute this does not go through the queue since
// it originates outside any game event.
func (s *Scheduler) SetMutedWeb(muted bool) {
	s.mu.Lock()
	prev := s.canActLocked()
	s.mutedWeb = muted
	s.onCanActTransitionLocked(prev)
	s.mu.Unlock()
}

func (s *Scheduler) pushLocked(e Event) {
	s.mu.Lock()
	s.q.push(e)
	s.mu.Unlock()
}

// --- timer reset hooks, called by the game on outbound events ---

// OnAction resets both idle timers; called whenever the game sends an
// outbound action message.
func (s *Scheduler) OnAction() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.armTryTimerLocked()
	s.armForceTimerLocked()
}

// OnContext resets the try timer alone; called on any inbound context event.
func (s *Scheduler) OnContext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.armTryTimerLocked()
}

func (s *Scheduler) armTryTimerLocked() {
	if s.tryTimer != nil {
		s.tryTimer.Stop()
	}
	if s.idleTry <= 0 {
		return
	}
	s.tryTimer = time.AfterFunc(s.idleTry, s.onTryTimerFire)
}

func (s *Scheduler) armForceTimerLocked() {
	if s.forceTimer != nil {
		s.forceTimer.Stop()
	}
	if s.idleForce <= 0 {
		return
	}
	s.forceTimer = time.AfterFunc(s.idleForce, s.onForceTimerFire)
}

func (s *Scheduler) disarmTimersLocked() {
	if s.tryTimer != nil {
		s.tryTimer.Stop()
	}
	if s.forceTimer != nil {
		s.forceTimer.Stop()
	}
}

func (s *Scheduler) onTryTimerFire() {
	s.mu.Lock()
	active := s.active
	canAct := s.canActLocked()
	s.mu.Unlock()
	if !active || !canAct {
		return
	}
	s.EnqueueTryAction(TryAction{})
}

func (s *Scheduler) onForceTimerFire() {
	s.mu.Lock()
	active := s.active
	canAct := s.canActLocked()
	s.mu.Unlock()
	if !active || !canAct {
		return
	}
	s.EnqueueForceAction(ForceAction{})
}

// canActLocked implements can_act = ¬(muted_web ∨ muted_game ∨ sleeping).
// Caller must hold s.mu.
func (s *Scheduler) canActLocked() bool {
	return !(s.mutedWeb || s.mutedGame || s.sleeping)
}

// onCanActTransitionLocked stops both timers on a false transition and
// catches up with a TryAction on a true transition. Caller must hold s.mu.
func (s *Scheduler) onCanActTransitionLocked(prevCanAct bool) {
	nowCanAct := s.canActLocked()
	if prevCanAct == nowCanAct {
		return
	}
	if !nowCanAct {
		s.disarmTimersLocked()
		return
	}
	s.armTryTimerLocked()
	s.armForceTimerLocked()
	go s.EnqueueTryAction(TryAction{})
}

// --- worker loop ---

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mu.Lock()
		if s.busy {
			s.mu.Unlock()
			time.Sleep(pollInterval)
			continue
		}
		ev, ok := s.q.pop()
		if !ok {
			s.mu.Unlock()
			time.Sleep(pollInterval)
			continue
		}
		s.busy = true
		s.mu.Unlock()

		s.dispatch(ev)

		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}
}

func (s *Scheduler) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: recovered panic in dispatch", "event", eventName(ev), "panic", r)
		}
	}()

	ctx := context.Background()
	var err error
	switch p := ev.Payload.(type) {
	case Context:
		err = s.dispatcher.HandleContext(ctx, p)
	case TryAction:
		s.mu.Lock()
		s.pendingTryAction = false
		canAct := s.canActLocked()
		s.mu.Unlock()
		if !canAct {
			return
		}
		err = s.dispatcher.HandleTryAction(ctx, p)
	case ForceAction:
		s.mu.Lock()
		canAct := s.canActLocked()
		s.mu.Unlock()
		if !canAct {
			return
		}
		err = s.dispatcher.HandleForceAction(ctx, p)
	case Say:
		err = s.dispatcher.HandleSay(ctx, p)
	case Sleep:
		s.mu.Lock()
		s.sleeping = true
		s.disarmTimersLocked()
		s.mu.Unlock()
		time.Sleep(p.Duration)
		s.mu.Lock()
		s.sleeping = false
		s.onCanActTransitionLocked(false)
		s.mu.Unlock()
	case ClearContext:
		err = s.dispatcher.HandleClearContext(ctx)
	case Mute:
		s.mu.Lock()
		prev := s.canActLocked()
		s.mutedGame = true
		s.onCanActTransitionLocked(prev)
		s.mu.Unlock()
	case Unmute:
		s.mu.Lock()
		prev := s.canActLocked()
		s.mutedGame = false
		s.onCanActTransitionLocked(prev)
		s.mu.Unlock()
	}
	if err != nil {
		s.logger.Error("scheduler: dispatch error", "event", eventName(ev), "error", err)
	}
}

func eventName(ev Event) string {
	switch ev.Payload.(type) {
	case Context:
		return "context"
	case TryAction:
		return "try_action"
	case ForceAction:
		return "force_action"
	case Say:
		return "say"
	case Sleep:
		return "sleep"
	case ClearContext:
		return "clear_context"
	case Mute:
		return "mute"
	case Unmute:
		return "unmute"
	default:
		return "unknown"
	}
}
