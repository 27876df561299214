// Package server is the server-role facade: it tracks peers connecting to our
// GATT server and answers their read and write requests through send-response
// tasks on the shared queue.
package server

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blequeue/internal/connection"
	"github.com/srg/blequeue/internal/events"
	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/task"
	"github.com/srg/blequeue/internal/transport"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Driver is what a server needs from the transport.
type Driver interface {
	transport.Connector
	transport.Responder
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Name              string           // Server instance name, used as owner id
	Queue             *task.Queue      // Shared transport queue
	Driver            Driver           // Transport driver
	Sink              events.Sink      // Optional event sink (nil = discard)
	Logger            *logrus.Logger   // Optional logger (nil = logrus.New())
	ConnectTimeout    time.Duration    // Explicit connect deadline (0 = queue default)
	DisconnectTimeout time.Duration    // Explicit disconnect deadline (0 = queue default)
	ResponseTimeout   time.Duration    // Send-response deadline (0 = queue default)
	Now               func() time.Time // Clock (nil = time.Now)
}

// Server owns the connection machine for peers of one server instance.
// Every method except State must run on the dispatch loop.
type Server struct {
	name      string
	owner     task.Owner
	queue     *task.Queue
	responder transport.Responder
	machine   *connection.Machine
	sink      events.Sink
	logger    *logrus.Logger
	now       func() time.Time

	responseTimeout time.Duration

	listener    RequestListener
	completions []CompletionListener
	outstanding *orderedmap.OrderedMap[string, *task.Task]
}

// New creates a server named opts.Name.
func New(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		name:            opts.Name,
		owner:           task.ServerOwner(opts.Name),
		queue:           opts.Queue,
		responder:       opts.Driver,
		sink:            opts.Sink,
		logger:          opts.Logger,
		now:             opts.Now,
		responseTimeout: opts.ResponseTimeout,
		outstanding:     orderedmap.New[string, *task.Task](),
	}
	s.machine = connection.NewMachine(connection.MachineOptions{
		Owner:             s.owner,
		Queue:             opts.Queue,
		Connector:         opts.Driver,
		Delegate:          peerDelegate{s},
		Sink:              opts.Sink,
		Logger:            opts.Logger,
		ConnectTimeout:    opts.ConnectTimeout,
		DisconnectTimeout: opts.DisconnectTimeout,
		Now:               opts.Now,
	})
	return s
}

func (s *Server) Name() string                          { return s.name }
func (s *Server) Owner() task.Owner                     { return s.owner }
func (s *Server) Machine() *connection.Machine          { return s.machine }
func (s *Server) State(address string) native.ConnState { return s.machine.State(address) }

// SetRequestListener installs the handler for peer requests; nil removes it.
func (s *Server) SetRequestListener(l RequestListener) {
	s.listener = l
}

// AddCompletionListener registers a listener for every response outcome,
// early-outs included.
func (s *Server) AddCompletionListener(l CompletionListener) {
	s.completions = append(s.completions, l)
}

// Connect connects to a peer that advertised itself to our server.
func (s *Server) Connect(address string) (*task.Task, error) {
	return s.machine.Connect(address)
}

// Disconnect drops the link with a peer.
func (s *Server) Disconnect(address string) (*task.Task, error) {
	return s.machine.Disconnect(address)
}

// HandleNative routes a native record for this server.
func (s *Server) HandleNative(ev native.Event) {
	switch ev := ev.(type) {
	case native.ConnectionStateChanged:
		s.machine.HandleStateChange(ev)
	case native.ReadRequest:
		s.onRequest(RequestEvent{
			Target:         s.target(ev.Address),
			RequestID:      ev.RequestID,
			Offset:         ev.Offset,
			Type:           events.RequestRead,
			Attribute:      events.AttributeTargetFor(ev.Descriptor),
			Characteristic: ev.Characteristic,
			Descriptor:     ev.Descriptor,
			ResponseNeeded: true,
		})
	case native.WriteRequest:
		typ := events.RequestWrite
		if ev.Prepared {
			typ = events.RequestPreparedWrite
		}
		s.onRequest(RequestEvent{
			Target:         s.target(ev.Address),
			RequestID:      ev.RequestID,
			Offset:         ev.Offset,
			Type:           typ,
			Attribute:      events.AttributeTargetFor(ev.Descriptor),
			Characteristic: ev.Characteristic,
			Descriptor:     ev.Descriptor,
			Data:           ev.Value,
			ResponseNeeded: ev.ResponseNeeded,
		})
	case native.ResponseSent:
		s.onResponseSent(ev)
	default:
		s.logger.WithFields(logrus.Fields{
			"server":  s.name,
			"address": ev.PeerAddress(),
			"event":   fmt.Sprintf("%T", ev),
		}).Debug("Ignoring native event not handled by servers")
	}
}

func (s *Server) target(address string) task.Target {
	return task.Target{Owner: s.owner, Address: address}
}

// peerDelegate turns connection outcomes into peer events.
type peerDelegate struct {
	s *Server
}

func (d peerDelegate) OnConnect(address string, explicit bool) {
	d.publish(address, events.PeerConnected, explicit, native.StatusSuccess)
}

func (d peerDelegate) OnDisconnect(address string, explicit bool, status native.Status) {
	d.publish(address, events.PeerDisconnected, explicit, status)
}

// OnConnectFail carries no mode: the failed attempt may have been synthesized.
func (d peerDelegate) OnConnectFail(address string, status native.Status) {
	d.publish(address, events.PeerConnectFail, false, status)
}

func (d peerDelegate) publish(address string, outcome events.PeerOutcome, explicit bool, status native.Status) {
	d.s.logger.WithFields(logrus.Fields{
		"server":   d.s.name,
		"address":  address,
		"outcome":  outcome,
		"explicit": explicit,
		"status":   status,
	}).Info("Peer connection outcome")
	d.s.sink.Publish(events.PeerEvent{
		Time:     d.s.now(),
		Target:   d.s.target(address),
		Outcome:  outcome,
		Explicit: explicit,
		Status:   status,
	})
}
