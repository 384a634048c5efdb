package protocol

// Event is the application facing unit exchanged with the send and recv halves.
type Event interface {
	isEvent()
}

type OpenStream struct {
	Sid                 Sid
	Prio                Prio
	Promises            Promises
	GuaranteedBandwidth Bandwidth
}

type CloseStream struct {
	Sid Sid
}

type Shutdown struct{}

// Message carries one application payload. Mid is assigned by the sender and
// ignored when a Message is handed to the send half.
type Message struct {
	Sid  Sid
	Mid  Mid
	Data []byte
}

func (OpenStream) isEvent()  {}
func (CloseStream) isEvent() {}
func (Shutdown) isEvent()    {}
func (Message) isEvent()     {}
