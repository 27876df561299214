package server

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blequeue/internal/events"
	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/task"
	"github.com/srg/blequeue/internal/transport"
)

// Outstanding describes a send-response task that has not reached a terminal state.
type Outstanding struct {
	Address   string
	RequestID int
	TaskID    string
	State     task.State
}

// responseJob is the payload of a send-response task.
type responseJob struct {
	request RequestEvent
	please  *Please
}

func responseKey(address string, requestID int) string {
	return fmt.Sprintf("%s#%d", address, requestID)
}

// Outstanding lists registered send-response tasks in registration order.
func (s *Server) Outstanding() []Outstanding {
	out := make([]Outstanding, 0, s.outstanding.Len())
	for pair := s.outstanding.Oldest(); pair != nil; pair = pair.Next() {
		job := pair.Value.Payload().(*responseJob)
		out = append(out, Outstanding{
			Address:   job.request.Address(),
			RequestID: job.request.RequestID,
			TaskID:    pair.Value.ID(),
			State:     pair.Value.State(),
		})
	}
	return out
}

func (s *Server) onRequest(req RequestEvent) {
	entry := s.logger.WithFields(logrus.Fields{
		"server":         s.name,
		"address":        req.Address(),
		"request_id":     req.RequestID,
		"type":           req.Type,
		"characteristic": req.Characteristic,
	})

	if s.listener == nil {
		entry.Warn("Peer request with no request listener set")
		s.complete(s.earlyOut(req, events.ResponseNoRequestListenerSet), nil)
		return
	}

	please := s.listener.OnRequest(req)
	switch {
	case please == nil:
		entry.Debug("Request listener returned no decision")
		s.complete(s.earlyOut(req, events.ResponseNoResponseAttempted), nil)
	case !please.Respond:
		entry.Debug("Request listener declined to respond")
		s.complete(s.earlyOut(req, events.ResponseNoResponseAttempted), please.OnCompletion)
	default:
		if err := s.sendResponse(req, please); err != nil {
			entry.WithError(err).Error("Failed to enqueue response")
			ev := s.earlyOut(req, events.ResponseCancelled)
			ev.GattStatus = please.Status
			s.complete(ev, please.OnCompletion)
		}
	}
}

// sendResponse registers a send-response task, then enqueues it. Registration
// comes first so a response that settles synchronously is still accounted for.
func (s *Server) sendResponse(req RequestEvent, please *Please) error {
	job := &responseJob{request: req, please: please}
	t := task.New(task.KindSendResponse, req.Target, s.executeResponse,
		task.Immediate(),
		task.WithPriority(task.PriorityHigh),
		task.WithTimeout(s.responseTimeout),
		task.WithPayload(job),
		task.WithListener(task.ListenerFunc(s.onResponseTask)),
	)

	key := responseKey(req.Address(), req.RequestID)
	if prev, present := s.outstanding.Get(key); present {
		s.logger.WithFields(logrus.Fields{
			"address":    req.Address(),
			"request_id": req.RequestID,
			"previous":   prev.ID(),
		}).Warn("Request id reused while a response is outstanding")
	}
	s.outstanding.Set(key, t)

	if _, err := s.queue.Add(t); err != nil {
		s.outstanding.Delete(key)
		return err
	}
	return nil
}

func (s *Server) executeResponse(t *task.Task) task.Result {
	job := t.Payload().(*responseJob)
	err := s.responder.SendResponse(t.Address(), job.request.RequestID, job.please.Status, job.please.Offset, job.please.Data)
	switch {
	case err == nil:
		return task.Settle(task.Succeeded, native.StatusSuccess)
	case errors.Is(err, transport.ErrPending):
		return task.Wait()
	default:
		s.logger.WithError(err).WithFields(logrus.Fields{
			"address":    t.Address(),
			"request_id": job.request.RequestID,
		}).Warn("Driver failed to send response")
		return task.Settle(task.Failed, native.StatusOf(err))
	}
}

// onResponseSent resolves a send-response task waiting on an asynchronous driver.
func (s *Server) onResponseSent(ev native.ResponseSent) {
	t := s.queue.GetCurrentFor(task.KindSendResponse, s.owner, ev.Address)
	if t == nil || t.Payload().(*responseJob).request.RequestID != ev.RequestID {
		s.logger.WithFields(logrus.Fields{
			"address":    ev.Address,
			"request_id": ev.RequestID,
		}).Debug("Response acknowledgment with no executing response task")
		return
	}
	if ev.Status.IsSuccess() {
		t.OnNativeSuccess(ev.Status)
	} else {
		t.OnNativeFail(ev.Status)
	}
}

func (s *Server) onResponseTask(t *task.Task, state task.State) {
	if !state.IsTerminal() {
		return
	}
	job := t.Payload().(*responseJob)
	key := responseKey(t.Address(), job.request.RequestID)
	if current, ok := s.outstanding.Get(key); ok && current == t {
		s.outstanding.Delete(key)
	}

	ev := s.completion(job.request, responseStatusOf(state))
	ev.Data = job.please.Data
	ev.GattStatus = job.please.Status
	s.complete(ev, job.please.OnCompletion)
}

func responseStatusOf(state task.State) events.ResponseStatus {
	switch state {
	case task.Succeeded:
		return events.ResponseSuccess
	case task.Failed:
		return events.ResponseFailedToSendOut
	case task.TimedOut:
		return events.ResponseTimedOut
	default:
		return events.ResponseCancelled
	}
}

// earlyOut builds the completion for a request that never got a response task.
func (s *Server) earlyOut(req RequestEvent, status events.ResponseStatus) events.ResponseCompletionEvent {
	ev := s.completion(req, status)
	ev.GattStatus = native.StatusNone
	return ev
}

func (s *Server) completion(req RequestEvent, status events.ResponseStatus) events.ResponseCompletionEvent {
	return events.ResponseCompletionEvent{
		Time:           s.now(),
		Target:         req.Target,
		RequestID:      req.RequestID,
		Offset:         req.Offset,
		Request:        req.Type,
		Attribute:      req.Attribute,
		Characteristic: req.Characteristic,
		Descriptor:     req.Descriptor,
		Data:           []byte{},
		ResponseNeeded: req.ResponseNeeded,
		Status:         status,
	}
}

// complete delivers a completion to the per-request listener, then to the
// server listeners, then to the event sink.
func (s *Server) complete(ev events.ResponseCompletionEvent, l CompletionListener) {
	if l != nil {
		l(ev)
	}
	for _, cl := range s.completions {
		cl(ev)
	}
	s.sink.Publish(ev)
}
