// Package fsm is the single source of truth for run lifecycle legality: the
// literal state transition table and the admissibility oracle derived from
// it. brain/runner consults it before honoring a signal; brain/webhook and
// brain/httpapi consult it before accepting one from outside.
package fsm

import "fmt"

// Status is a run's internal lifecycle state. Public status projects
// agentLoop to running (see Public).
type Status string

const (
	Idle      Status = "idle"
	Running   Status = "running"
	AgentLoop Status = "agentLoop"
	Paused    Status = "paused"
	Waiting   Status = "waiting"
	Complete  Status = "complete"
	Cancelled Status = "cancelled"
	Error     Status = "error"
)

// EventType is the closed set of run events that drive transitions.
// It is a subset of brain/api's full Event variant set: only the variants
// that move the state machine appear here.
type EventType string

const (
	EventStart           EventType = "START"
	EventRestart         EventType = "RESTART"
	EventStepStart       EventType = "STEP_START"
	EventAgentStart      EventType = "AGENT_START"
	EventAgentComplete   EventType = "AGENT_COMPLETE"
	EventWebhook         EventType = "WEBHOOK"
	EventWebhookResponse EventType = "WEBHOOK_RESPONSE"
	EventPaused          EventType = "PAUSED"
	EventResumed         EventType = "RESUMED"
	EventUserMessage     EventType = "USER_MESSAGE"
	EventCancelled       EventType = "CANCELLED"
	EventComplete        EventType = "COMPLETE"
	EventError           EventType = "ERROR"
)

// transitions is the literal table from spec.md §4.C. Each event maps to
// the set of source states from which it is legal, and the destination
// state it produces. This map is the only place transition legality is
// decided; every other package calls into this one rather than
// re-implementing the table.
var transitions = map[EventType]struct {
	from []Status
	to   Status
}{
	EventStart:           {[]Status{Idle}, Running},
	EventRestart:         {[]Status{Idle}, Running},
	EventStepStart:       {[]Status{Running}, Running},
	EventAgentStart:      {[]Status{Running}, AgentLoop},
	EventAgentComplete:   {[]Status{AgentLoop}, Running},
	EventWebhook:         {[]Status{Running, AgentLoop}, Waiting},
	EventWebhookResponse: {[]Status{Waiting, Running}, Running},
	EventPaused:          {[]Status{Running, AgentLoop}, Paused},
	EventResumed:         {[]Status{Paused, Waiting}, Running},
	EventUserMessage:     {[]Status{AgentLoop}, AgentLoop},
	EventCancelled:       {[]Status{Running, AgentLoop, Paused, Waiting}, Cancelled},
	EventComplete:        {[]Status{Running}, Complete},
	EventError:           {[]Status{Running, AgentLoop}, Error},
}

// ErrTransitionDenied is returned by Apply when (from, event) is not a
// legal transition.
type ErrTransitionDenied struct {
	From  Status
	Event EventType
}

func (e *ErrTransitionDenied) Error() string {
	return fmt.Sprintf("fsm: transition %s denied from state %s", e.Event, e.From)
}

// IsTransitionLegal reports whether event may fire while the run is in
// state from, without computing the destination.
func IsTransitionLegal(from Status, event EventType) bool {
	t, ok := transitions[event]
	if !ok {
		return false
	}
	for _, s := range t.from {
		if s == from {
			return true
		}
	}
	return false
}

// Apply computes the destination state for (from, event), or
// *ErrTransitionDenied if the pair is not in the table.
func Apply(from Status, event EventType) (Status, error) {
	t, ok := transitions[event]
	if !ok {
		return from, &ErrTransitionDenied{From: from, Event: event}
	}
	for _, s := range t.from {
		if s == from {
			return t.to, nil
		}
	}
	return from, &ErrTransitionDenied{From: from, Event: event}
}

// SignalType is the closed set of out-of-band control signals (spec.md §3).
type SignalType string

const (
	SignalKill            SignalType = "KILL"
	SignalPause           SignalType = "PAUSE"
	SignalResume          SignalType = "RESUME"
	SignalUserMessage     SignalType = "USER_MESSAGE"
	SignalWebhookResponse SignalType = "WEBHOOK_RESPONSE"
)

// signalEvent maps each signal to the event it would emit if honored. KILL
// maps to CANCELLED, PAUSE to PAUSED, and so on; admissibility of the
// signal is exactly admissibility of that mapped event.
var signalEvent = map[SignalType]EventType{
	SignalKill:            EventCancelled,
	SignalPause:           EventPaused,
	SignalResume:          EventResumed,
	SignalUserMessage:     EventUserMessage,
	SignalWebhookResponse: EventWebhookResponse,
}

// IsSignalValid reports whether signalType may be honored while a run is in
// status, per spec.md P4: the signals HTTP endpoint returns 202 iff this is
// true.
func IsSignalValid(status Status, signalType SignalType) bool {
	event, ok := signalEvent[signalType]
	if !ok {
		return false
	}
	return IsTransitionLegal(status, event)
}

// Public projects an internal status to the status reported over the HTTP
// API and in Run records: agentLoop is folded into running.
func Public(s Status) Status {
	if s == AgentLoop {
		return Running
	}
	return s
}

// WireStatus renders s as the public status string used in Run records and
// HTTP responses (spec.md §3's {pending, running, paused, waiting,
// complete, error, cancelled} enum): Idle is surfaced as "pending" (a run
// that has not yet emitted START/RESTART), and agentLoop folds into
// "running" via Public.
func WireStatus(s Status) string {
	if s == Idle {
		return "pending"
	}
	return string(Public(s))
}

// IsTerminal reports whether s is one of the run-ending states.
func IsTerminal(s Status) bool {
	switch s {
	case Complete, Cancelled, Error:
		return true
	default:
		return false
	}
}
