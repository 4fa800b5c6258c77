package cxml

// Caller-facing messages. None of them reveal why a call failed.
const (
	MsgCannotComplete = "Your call cannot be completed as dialed."
	MsgNotPermitted   = "This call is not permitted."
	MsgUnavailable    = "The number you have called is currently unavailable."
	MsgRoutingError   = "We are unable to route your call at this time. Please try again later."
	MsgVoicemail      = "Please leave a message after the tone."
	MsgInvalidInput   = "Sorry, that is not a valid option."
)

// DialNumber connects the call to one or more numbers.
func DialNumber(callerID string, timeout int, action string, numbers ...string) []byte {
	return New().Dial(Dial{CallerID: callerID, Timeout: timeout, Action: action, Numbers: numbers}).MustRender()
}

// DialConference places the caller in a conference.
func DialConference(callerID, room string) []byte {
	return New().Dial(Dial{CallerID: callerID, Conference: room}).MustRender()
}

// SayAndHangup speaks message then hangs up.
func SayAndHangup(message string) []byte {
	return New().Say(message).Hangup().MustRender()
}

// Unavailable tells the caller the destination cannot be reached.
func Unavailable(message string) []byte {
	if message == "" {
		message = MsgUnavailable
	}
	return SayAndHangup(message)
}

// NotPermitted answers a security violation.
func NotPermitted() []byte {
	return SayAndHangup(MsgNotPermitted)
}

// RejectCall refuses the call without answering it.
func RejectCall() []byte {
	return New().Reject("rejected").MustRender()
}

// Hangup ends the call silently.
func Hangup() []byte {
	return New().Hangup().MustRender()
}

// WaitForDigits prompts and collects digits for an IVR menu. A re-prompt
// after an invalid entry is preceded by notice.
func WaitForDigits(notice string, g Gather) []byte {
	d := New()
	if notice != "" {
		d.Say(notice)
	}
	return d.Gather(g).MustRender()
}

// Voicemail prompts the caller and records a message.
func Voicemail(action string, maxLength int) []byte {
	return New().Say(MsgVoicemail).Record(Record{Action: action, MaxLength: maxLength, PlayBeep: true}).Hangup().MustRender()
}
