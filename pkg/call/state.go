// Package call реализует машину состояний одного вызова: маршрутизация,
// звонок, удержание, перевод, конференция, запись и единственный
// терминал ENDED с идемпотентной выдачей CDR.
package call

import "fmt"

// State — состояние вызова
type State string

const (
	StateNew                State = "NEW"
	StateRouting            State = "ROUTING"
	StateQueued             State = "QUEUED"
	StateRinging            State = "RINGING"
	StateIVR                State = "IVR"
	StateVoicemail          State = "VOICEMAIL"
	StateConference         State = "CONFERENCE"
	StateFailed             State = "FAILED"
	StateActive             State = "ACTIVE"
	StateHeld               State = "HELD"
	StateBusy               State = "BUSY"
	StateNoAnswer           State = "NO_ANSWER"
	StateTransferInitiated  State = "TRANSFER_INITIATED"
	StateTransferCompleted  State = "TRANSFER_COMPLETED"
	StateRecorded           State = "RECORDED"
	StateEnded              State = "ENDED"
)

// HasMedia сообщает, допустим ли RTP транспорт в этом состоянии
func (s State) HasMedia() bool {
	switch s {
	case StateActive, StateHeld, StateConference, StateRecorded:
		return true
	}
	return false
}

// Terminal сообщает, терминально ли состояние
func (s State) Terminal() bool { return s == StateEnded }

// Event — имя перехода машины состояний
type Event string

const (
	EventRoute            Event = "route"
	EventEnqueue          Event = "enqueue"
	EventRing             Event = "ring"
	EventIVR              Event = "ivr"
	EventVoicemail        Event = "voicemail"
	EventConferenceJoin   Event = "conference_join"
	EventConferenceLeave  Event = "conference_leave"
	EventFail             Event = "fail"
	EventAnswer           Event = "answer"
	EventBusy             Event = "busy"
	EventNoAnswer         Event = "no_answer"
	EventHold             Event = "hold"
	EventResumeActive     Event = "resume_active"
	EventResumeQueued     Event = "resume_queued"
	EventTransfer         Event = "transfer"
	EventTransferComplete Event = "transfer_complete"
	EventTransferFail     Event = "transfer_fail"
	EventRecordStart      Event = "record_start"
	EventRecordStop       Event = "record_stop"
	EventHangup           Event = "hangup"
)

// Disposition — итог вызова для CDR
type Disposition string

const (
	DispositionAnswered  Disposition = "answered"
	DispositionBusy      Disposition = "busy"
	DispositionNoAnswer  Disposition = "no_answer"
	DispositionFailed    Disposition = "failed"
	DispositionVoicemail Disposition = "voicemail"
	DispositionCancelled Disposition = "cancelled"
	DispositionAbandoned Disposition = "abandoned"
)

// InvalidTransitionError возвращается на недопустимый переход:
// состояние вызова при этом не меняется.
type InvalidTransitionError struct {
	From  State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %q in state %q", e.Event, e.From)
}

// QueueOverflowAction — что делать с вызовом по истечении максимального
// ожидания в очереди
type QueueOverflowAction string

const (
	OverflowVoicemail QueueOverflowAction = "voicemail"
	OverflowAbandon   QueueOverflowAction = "abandon"
)
