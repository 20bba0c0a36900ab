package hangdetector

import (
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/errors"
	"github.com/core-tools/hsu-appwatch/pkg/logging"
)

// HangState is the responsiveness state of the monitored window
type HangState string

const (
	// HangStateResponsive means the last probe succeeded
	HangStateResponsive HangState = "responsive"

	// HangStateSuspected means at least one probe failed but retry_count is not reached yet
	HangStateSuspected HangState = "suspected"

	// HangStateHung means retry_count consecutive probes failed; reported once
	HangStateHung HangState = "hung"

	// HangStateRecovered means a probe succeeded after a reported hang
	HangStateRecovered HangState = "recovered"
)

const maxHistory = 64

// HangStateTransition records one state change
type HangStateTransition struct {
	From      HangState
	To        HangState
	Reason    string
	Timestamp time.Time
}

// HangStateMachine validates transitions and keeps a bounded history
type HangStateMachine struct {
	currentState     HangState
	transitions      []HangStateTransition
	validTransitions map[HangState][]HangState
	mutex            sync.RWMutex
	logger           logging.Logger
}

func NewHangStateMachine(logger logging.Logger) *HangStateMachine {
	sm := &HangStateMachine{
		currentState: HangStateResponsive,
		logger:       logger,
	}

	sm.validTransitions = map[HangState][]HangState{
		HangStateResponsive: {
			HangStateSuspected, // first failed probe
		},
		HangStateSuspected: {
			HangStateHung,       // retry_count reached
			HangStateResponsive, // probe succeeded before a hang was declared
		},
		HangStateHung: {
			HangStateRecovered, // probe succeeded
		},
		HangStateRecovered: {
			HangStateResponsive, // recovery reported
			HangStateSuspected,  // failed again right away
		},
	}

	return sm
}

func (sm *HangStateMachine) State() HangState {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.currentState
}

func (sm *HangStateMachine) CanTransition(to HangState) bool {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.canTransitionUnsafe(to)
}

// Transition changes the state with validation
func (sm *HangStateMachine) Transition(to HangState, reason string, at time.Time) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if !sm.canTransitionUnsafe(to) {
		return errors.NewValidationError(
			fmt.Sprintf("invalid hang state transition from '%s' to '%s'", sm.currentState, to),
			nil,
		).WithContext("from_state", string(sm.currentState)).
			WithContext("to_state", string(to)).
			WithContext("reason", reason)
	}

	sm.record(to, reason, at)
	sm.logger.Debugf("Hang state transition, %s->%s, reason: %s", sm.transitions[len(sm.transitions)-1].From, to, reason)
	return nil
}

// Reset returns to Responsive from any state without reporting
func (sm *HangStateMachine) Reset(reason string, at time.Time) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if sm.currentState == HangStateResponsive {
		return
	}
	sm.record(HangStateResponsive, reason, at)
	sm.logger.Debugf("Hang state reset, reason: %s", reason)
}

func (sm *HangStateMachine) record(to HangState, reason string, at time.Time) {
	sm.transitions = append(sm.transitions, HangStateTransition{
		From:      sm.currentState,
		To:        to,
		Reason:    reason,
		Timestamp: at,
	})
	if len(sm.transitions) > maxHistory {
		sm.transitions = append(sm.transitions[:0:0], sm.transitions[len(sm.transitions)-maxHistory:]...)
	}
	sm.currentState = to
}

func (sm *HangStateMachine) canTransitionUnsafe(to HangState) bool {
	for _, valid := range sm.validTransitions[sm.currentState] {
		if valid == to {
			return true
		}
	}
	return false
}

// History returns a copy of the retained transitions
func (sm *HangStateMachine) History() []HangStateTransition {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	history := make([]HangStateTransition, len(sm.transitions))
	copy(history, sm.transitions)
	return history
}
