package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/srg/blequeue/internal/device"
	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/server"
	"github.com/srg/blequeue/internal/task"
	"github.com/srg/blequeue/internal/transport"
	"github.com/srg/blequeue/internal/transport/simulated"
	"github.com/srg/blequeue/pkg/manager"
	"gopkg.in/yaml.v3"
)

// settleRounds bounds how many flush rounds a scenario waits for follow-up callbacks.
const settleRounds = 8

// Scenario is a scripted run against the simulated driver.
type Scenario struct {
	Name           string            `yaml:"name"`
	AutoAck        bool              `yaml:"auto_ack"`
	AsyncResponses bool              `yaml:"async_responses"`
	Values         map[string]string `yaml:"values"` // characteristic -> hex value returned by reads
	Server         *ServerScript     `yaml:"server"`
	Steps          []Step            `yaml:"steps"`
	Expect         string            `yaml:"expect"`
	Ignore         []string          `yaml:"ignore"` // trace line prefixes left out of the comparison
}

// ServerScript declares a server and how its request listener answers.
type ServerScript struct {
	Name       string        `yaml:"name"`
	NoListener bool          `yaml:"no_listener"`
	Respond    bool          `yaml:"respond"`
	Status     native.Status `yaml:"status"`
	Data       string        `yaml:"data"`
}

// Step is one scenario action. Fields irrelevant to the action are ignored.
type Step struct {
	Action         string          `yaml:"action"`
	Role           string          `yaml:"role"` // device (default) or server
	Address        string          `yaml:"address"`
	Service        string          `yaml:"service"`
	Characteristic string          `yaml:"characteristic"`
	Descriptor     string          `yaml:"descriptor"`
	Data           string          `yaml:"data"`
	WithResponse   bool            `yaml:"with_response"`
	State          int             `yaml:"state"`
	Bond           string          `yaml:"bond"`
	Status         native.Status   `yaml:"status"`
	RequestID      int             `yaml:"request_id"`
	Offset         int             `yaml:"offset"`
	Prepared       bool            `yaml:"prepared"`
	ResponseNeeded bool            `yaml:"response_needed"`
	Op             simulated.Op    `yaml:"op"`
	Fault          simulated.Fault `yaml:"fault"`
	Duration       time.Duration   `yaml:"duration"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if len(sc.Steps) == 0 {
		return nil, errors.New("scenario has no steps")
	}
	if sc.Server != nil && sc.Server.Name == "" {
		sc.Server.Name = "gatt"
	}
	for i, st := range sc.Steps {
		if st.Action == "" {
			return nil, fmt.Errorf("step %d: action is required", i)
		}
		serverSide := st.Role == "server" || st.Action == "read_request" || st.Action == "write_request"
		if serverSide && sc.Server == nil {
			return nil, fmt.Errorf("step %d: %s needs a server section", i, st.Action)
		}
	}
	return &sc, nil
}

// scenarioRun holds the live objects a scenario drives.
type scenarioRun struct {
	sc     *Scenario
	m      *manager.Manager
	devDrv *simulated.Driver
	srvDrv *simulated.Driver
	srv    *server.Server
}

// RunScenario executes sc on m, whose loop must already be running, and waits
// until the simulated stack has gone quiet.
func RunScenario(ctx context.Context, m *manager.Manager, sc *Scenario) error {
	r := &scenarioRun{sc: sc, m: m}

	var err error
	r.devDrv, err = simulated.New(ctx, simulated.Options{
		Callbacks: m.DeviceCallbacks(),
		Logger:    m.Logger(),
		AutoAck:   sc.AutoAck,
	})
	if err != nil {
		return err
	}
	for char, value := range sc.Values {
		b, err := decodeHex(value)
		if err != nil {
			return fmt.Errorf("value of %s: %w", char, err)
		}
		r.devDrv.SetValue(char, b)
	}

	if sc.Server != nil {
		if err := r.startServer(ctx); err != nil {
			return err
		}
	}

	for i, st := range sc.Steps {
		if err := r.step(ctx, st); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, st.Action, err)
		}
	}
	return r.settle(ctx)
}

func (r *scenarioRun) startServer(ctx context.Context) error {
	script := r.sc.Server
	drv, err := simulated.New(ctx, simulated.Options{
		Callbacks:      r.m.Callbacks(task.ServerOwner(script.Name)),
		Logger:         r.m.Logger(),
		AutoAck:        r.sc.AutoAck,
		AsyncResponses: r.sc.AsyncResponses,
	})
	if err != nil {
		return err
	}
	r.srvDrv = drv
	r.srv, err = r.m.AddServer(ctx, script.Name, drv)
	if err != nil {
		return err
	}
	if script.NoListener {
		return nil
	}
	data, err := decodeHex(script.Data)
	if err != nil {
		return fmt.Errorf("server data: %w", err)
	}
	return r.m.Do(ctx, func() {
		r.srv.SetRequestListener(server.RequestListenerFunc(func(ev server.RequestEvent) *server.Please {
			if !script.Respond {
				return server.DoNotRespond()
			}
			return server.RespondWith(script.Status, data)
		}))
	})
}

func (r *scenarioRun) driver(st Step) *simulated.Driver {
	if st.Role == "server" {
		return r.srvDrv
	}
	return r.devDrv
}

func (r *scenarioRun) device(ctx context.Context, address string) (*device.Device, error) {
	if dev := r.m.Device(address); dev != nil {
		return dev, nil
	}
	return r.m.AddDevice(ctx, address, r.devDrv)
}

func (r *scenarioRun) step(ctx context.Context, st Step) error {
	switch st.Action {
	case "wait":
		select {
		case <-time.After(st.Duration):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case "fault":
		r.driver(st).Inject(st.Op, st.Fault)
		return nil
	case "native":
		r.driver(st).EmitAfter(st.Duration, func(cb transport.Callbacks) {
			cb.OnConnectionStateChange(st.Address, st.Status, st.State)
		})
		return nil
	case "bond_state":
		state, err := native.ParseBondState(st.Bond)
		if err != nil {
			return err
		}
		r.devDrv.EmitAfter(st.Duration, func(cb transport.Callbacks) {
			cb.OnBondStateChange(st.Address, st.Status, state)
		})
		return nil
	case "read_request":
		r.srvDrv.EmitAfter(st.Duration, func(cb transport.Callbacks) {
			if st.Descriptor != "" {
				cb.OnDescriptorReadRequest(st.Address, st.RequestID, st.Offset, st.Characteristic, st.Descriptor)
				return
			}
			cb.OnCharacteristicReadRequest(st.Address, st.RequestID, st.Offset, st.Characteristic)
		})
		return nil
	case "write_request":
		data, err := decodeHex(st.Data)
		if err != nil {
			return err
		}
		r.srvDrv.EmitAfter(st.Duration, func(cb transport.Callbacks) {
			if st.Descriptor != "" {
				cb.OnDescriptorWriteRequest(st.Address, st.RequestID, st.Characteristic, st.Descriptor, st.Prepared, st.ResponseNeeded, st.Offset, data)
				return
			}
			cb.OnCharacteristicWriteRequest(st.Address, st.RequestID, st.Characteristic, st.Prepared, st.ResponseNeeded, st.Offset, data)
		})
		return nil
	case "settle":
		return r.settle(ctx)
	}

	// Remaining actions are application calls made on the loop.
	if st.Role == "server" {
		return r.serverCall(ctx, st)
	}
	return r.deviceCall(ctx, st)
}

func (r *scenarioRun) serverCall(ctx context.Context, st Step) error {
	switch st.Action {
	case "connect":
		return call(ctx, r.m, func() error { _, err := r.srv.Connect(st.Address); return err })
	case "disconnect":
		return call(ctx, r.m, func() error { _, err := r.srv.Disconnect(st.Address); return err })
	default:
		return fmt.Errorf("unknown server action %q", st.Action)
	}
}

func (r *scenarioRun) deviceCall(ctx context.Context, st Step) error {
	dev, err := r.device(ctx, st.Address)
	if err != nil {
		return err
	}
	switch st.Action {
	case "connect":
		return call(ctx, r.m, func() error { _, err := dev.Connect(); return err })
	case "disconnect":
		return call(ctx, r.m, func() error { _, err := dev.Disconnect(); return err })
	case "bond":
		return call(ctx, r.m, func() error { _, err := dev.Bond(); return err })
	case "unbond":
		return call(ctx, r.m, func() error { _, err := dev.Unbond(); return err })
	case "read":
		return call(ctx, r.m, func() error { _, err := dev.Read(st.Service, st.Characteristic); return err })
	case "write":
		data, err := decodeHex(st.Data)
		if err != nil {
			return err
		}
		return call(ctx, r.m, func() error {
			_, err := dev.Write(st.Service, st.Characteristic, data, st.WithResponse)
			return err
		})
	default:
		return fmt.Errorf("unknown device action %q", st.Action)
	}
}

// settle flushes the drivers and the loop until no new request shows up.
func (r *scenarioRun) settle(ctx context.Context) error {
	last := -1
	for i := 0; i < settleRounds; i++ {
		total := 0
		for _, drv := range []*simulated.Driver{r.devDrv, r.srvDrv} {
			if drv == nil {
				continue
			}
			if err := drv.Flush(ctx); err != nil {
				return err
			}
			total += len(drv.Requests())
		}
		if err := r.m.Do(ctx, func() {}); err != nil {
			return err
		}
		if total == last {
			return nil
		}
		last = total
	}
	return nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ReplaceAll(s, " ", ""), "0x")
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return b, nil
}
