package server

import "time"

// The internal event bus carries asynchronously produced replies and
// storage events from handlers and data tasks back into the control loop.
// The bus is a bounded channel with one receiver (the loop) and many
// senders; a saturated bus blocks the sender, which naturally throttles
// data tasks that outrun the client.

// eventBusCapacity bounds the per-session event bus.
const eventBusCapacity = 16

// internalMsg is a message on the session's internal event bus.
type internalMsg interface {
	internalMsg()
}

// commandReplyMsg delivers an asynchronously produced control-channel reply.
type commandReplyMsg struct {
	reply Reply
}

// storageErrorMsg reports a failed data transfer or metadata call. The
// control loop translates the error kind into a 4xx/5xx reply.
type storageErrorMsg struct {
	err error
}

// plaintextControlMsg requests the control channel be downgraded to
// plaintext. The loop flushes pending output first, then swaps the socket
// layer back to the raw connection.
type plaintextControlMsg struct{}

// secureControlMsg notes that the control channel finished its TLS upgrade.
type secureControlMsg struct{}

// transferBeginMsg brackets the start of a data transfer for observability.
type transferBeginMsg struct {
	command string
	path    string
}

// transferEndMsg brackets the end of a data transfer. bytes is the number
// of payload bytes moved; aborted is set when the transfer was cut short
// by ABOR.
type transferEndMsg struct {
	command  string
	path     string
	bytes    int64
	duration time.Duration
	aborted  bool
}

func (commandReplyMsg) internalMsg()     {}
func (storageErrorMsg) internalMsg()     {}
func (plaintextControlMsg) internalMsg() {}
func (secureControlMsg) internalMsg()    {}
func (transferBeginMsg) internalMsg()    {}
func (transferEndMsg) internalMsg()      {}
