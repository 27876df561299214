package server

import (
	"github.com/srg/blequeue/internal/events"
	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/task"
)

// RequestEvent is a read or write issued by a connected peer against this server.
type RequestEvent struct {
	Target         task.Target
	RequestID      int
	Offset         int
	Type           events.RequestType
	Attribute      events.AttributeTarget
	Characteristic string
	Descriptor     string
	// Data is the value written by the peer, empty for reads.
	Data           []byte
	ResponseNeeded bool
}

// Address returns the peer address.
func (e RequestEvent) Address() string { return e.Target.Address }

// CompletionListener hears the outcome of answering one request.
type CompletionListener func(ev events.ResponseCompletionEvent)

// Please is a RequestListener decision.
type Please struct {
	Respond      bool
	Status       native.Status
	Offset       int
	Data         []byte
	OnCompletion CompletionListener
}

// RespondWith answers with status and data at offset 0.
func RespondWith(status native.Status, data []byte) *Please {
	return &Please{Respond: true, Status: status, Data: data}
}

// RespondWithSuccess answers GATT_SUCCESS with data.
func RespondWithSuccess(data []byte) *Please {
	return RespondWith(native.StatusSuccess, data)
}

// DoNotRespond declines to answer. The peer will eventually time out.
func DoNotRespond() *Please {
	return &Please{}
}

// WithCompletion attaches a per-request completion listener.
func (p *Please) WithCompletion(l CompletionListener) *Please {
	p.OnCompletion = l
	return p
}

// WithOffset sets the response offset.
func (p *Please) WithOffset(offset int) *Please {
	p.Offset = offset
	return p
}

// RequestListener decides how to answer peer requests. A nil decision means
// no response is attempted.
type RequestListener interface {
	OnRequest(ev RequestEvent) *Please
}

// RequestListenerFunc adapts a function to the RequestListener interface.
type RequestListenerFunc func(ev RequestEvent) *Please

func (f RequestListenerFunc) OnRequest(ev RequestEvent) *Please { return f(ev) }
