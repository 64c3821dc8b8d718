package domain

import "strings"

// Journey kinds.
const (
	JourneyPipeline = "pipeline"
	JourneyPresence = "presence"
)

// Automation action kinds.
const (
	ActionCreatePendency = "create_pendency"
	ActionCreateTask     = "create_task"
	ActionNotifyCustomer = "notify_customer"
	ActionLogEvent       = "log_event"
)

// AnyState matches every state in a transition rule.
const AnyState = "*"

// ActionSpec is a declarative automation bound to a transition.
type ActionSpec struct {
	Kind   string         `json:"kind" yaml:"kind" enum:"create_pendency,create_task,notify_customer,log_event"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// TransitionRule binds actions to a (from, to) pair.
type TransitionRule struct {
	From    string       `json:"from" yaml:"from"`
	To      string       `json:"to" yaml:"to"`
	Actions []ActionSpec `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// Journey is a tenant-scoped, data-defined state machine. It is read-only
// while a transition executes.
type Journey struct {
	Key               string            `json:"key" yaml:"key"`
	Name              string            `json:"name" yaml:"name"`
	Kind              string            `json:"kind" yaml:"kind" enum:"pipeline,presence"`
	Governed          bool              `json:"governed" yaml:"governed"`
	States            []string          `json:"states" yaml:"states"`
	ClosingStates     []string          `json:"closing_states,omitempty" yaml:"closing_states,omitempty"`
	StatusMap         map[string]string `json:"status_map,omitempty" yaml:"status_map,omitempty"`
	StrictTransitions bool              `json:"strict_transitions,omitempty" yaml:"strict_transitions,omitempty"`
	AnsweredUnblocks  bool              `json:"answered_unblocks,omitempty" yaml:"answered_unblocks,omitempty"`
	Transitions       []TransitionRule  `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

func (j Journey) HasState(state string) bool {
	for _, s := range j.States {
		if s == state {
			return true
		}
	}
	return false
}

func (j Journey) IsClosing(state string) bool {
	for _, s := range j.ClosingStates {
		if s == state {
			return true
		}
	}
	return false
}

// InitialState is the first configured state.
func (j Journey) InitialState() string {
	if len(j.States) == 0 {
		return ""
	}
	return j.States[0]
}

// Allows reports whether a move from -> to is declared. Non-strict journeys
// allow any move between configured states.
func (j Journey) Allows(from, to string) bool {
	if !j.HasState(to) {
		return false
	}
	if !j.StrictTransitions {
		return true
	}
	for _, r := range j.Transitions {
		if matchState(r.From, from) && matchState(r.To, to) {
			return true
		}
	}
	return false
}

// ActionsFor returns the actions of every rule matching from -> to, exact
// rules first, wildcard rules after, each in declared order.
func (j Journey) ActionsFor(from, to string) []ActionSpec {
	var exact, wildcard []ActionSpec
	for _, r := range j.Transitions {
		if !matchState(r.From, from) || !matchState(r.To, to) {
			continue
		}
		if r.From == AnyState || r.To == AnyState {
			wildcard = append(wildcard, r.Actions...)
			continue
		}
		exact = append(exact, r.Actions...)
	}
	return append(exact, wildcard...)
}

// StatusFor maps a target state to the coarse case status.
func (j Journey) StatusFor(state, current string) string {
	if s, ok := j.StatusMap[state]; ok && s != "" {
		return s
	}
	if j.IsClosing(state) {
		return CaseClosed
	}
	if current == "" || current == CaseClosed {
		return CaseOpen
	}
	return current
}

func matchState(pattern, state string) bool {
	return pattern == AnyState || pattern == state
}

// engineEventPrefixes name the timeline namespaces only the engine writes.
var engineEventPrefixes = []string{"case.", "pendency.", "outbox.", "punch.", "presence.", "classification.", "automation."}

// EngineOwnedEvent reports whether a journey's log_event action is barred
// from writing evtType. automation.log is the action's own default type.
func EngineOwnedEvent(evtType string) bool {
	if evtType == "transition" {
		return true
	}
	if evtType == "automation.log" {
		return false
	}
	for _, prefix := range engineEventPrefixes {
		if strings.HasPrefix(evtType, prefix) {
			return true
		}
	}
	return false
}
