package events

import (
	"fmt"
	"time"

	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/task"
)

// RequestType is the kind of peer-initiated request.
type RequestType string

const (
	RequestRead          RequestType = "READ"
	RequestWrite         RequestType = "WRITE"
	RequestPreparedWrite RequestType = "PREPARED_WRITE"
)

// AttributeTarget tells whether a request addresses a characteristic or a descriptor.
type AttributeTarget string

const (
	TargetCharacteristic AttributeTarget = "CHARACTERISTIC"
	TargetDescriptor     AttributeTarget = "DESCRIPTOR"
)

// AttributeTargetFor returns DESCRIPTOR when a descriptor id is present.
func AttributeTargetFor(descriptor string) AttributeTarget {
	if descriptor == "" {
		return TargetCharacteristic
	}
	return TargetDescriptor
}

// ResponseStatus is the outcome of answering a peer request.
type ResponseStatus string

const (
	ResponseSuccess ResponseStatus = "SUCCESS"
	// ResponseNoRequestListenerSet: no handler registered; an early-out completion was issued.
	ResponseNoRequestListenerSet ResponseStatus = "NO_REQUEST_LISTENER_SET"
	// ResponseNoResponseAttempted: the handler declined to respond.
	ResponseNoResponseAttempted ResponseStatus = "NO_RESPONSE_ATTEMPTED"
	ResponseFailedToSendOut     ResponseStatus = "FAILED_TO_SEND_OUT"
	ResponseTimedOut            ResponseStatus = "TIMED_OUT"
	ResponseCancelled           ResponseStatus = "CANCELLED"
)

// ResponseCompletionEvent reports how a peer request was answered.
type ResponseCompletionEvent struct {
	Time           time.Time
	Target         task.Target
	RequestID      int
	Offset         int
	Request        RequestType
	Attribute      AttributeTarget
	Characteristic string
	Descriptor     string
	Data           []byte
	ResponseNeeded bool
	Status         ResponseStatus
	GattStatus     native.Status
}

func (e ResponseCompletionEvent) Type() Type    { return TypeResponse }
func (e ResponseCompletionEvent) At() time.Time { return e.Time }
func (e ResponseCompletionEvent) String() string {
	attr := e.Characteristic
	if e.Descriptor != "" {
		attr += "/" + e.Descriptor
	}
	return fmt.Sprintf("response %s %s %s %s req=%d %s", e.Target, e.Request, e.Attribute, attr, e.RequestID, e.Status)
}
