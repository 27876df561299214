package device

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blequeue/internal/events"
	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/task"
)

// Operation is the payload of a read or write task.
type Operation struct {
	Service        string
	Characteristic string
	Data           []byte // value to write
	WithResponse   bool
	Value          []byte // value read, set once the read succeeds
}

// OperationOf returns the GATT operation carried by t.
func OperationOf(t *task.Task) (*Operation, bool) {
	op, ok := t.Payload().(*Operation)
	return op, ok
}

// Read enqueues a characteristic read. The device must be connected.
func (d *Device) Read(service, characteristic string) (*task.Task, error) {
	op, err := d.operation(service, characteristic)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return d.enqueueGatt(task.KindRead, op, d.executeRead)
}

// Write enqueues a characteristic write. Without response the task succeeds
// as soon as the driver accepts the write.
func (d *Device) Write(service, characteristic string, data []byte, withResponse bool) (*task.Task, error) {
	op, err := d.operation(service, characteristic)
	if err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	op.Data = bytes.Clone(data)
	op.WithResponse = withResponse
	return d.enqueueGatt(task.KindWrite, op, d.executeWrite)
}

func (d *Device) operation(service, characteristic string) (*Operation, error) {
	if state := d.State(); state != native.Connected {
		return nil, &ConnectionError{State: NotConnected, Msg: fmt.Sprintf("%s is %s", d.address, state)}
	}
	ids, err := ValidateUUID(service, characteristic)
	if err != nil {
		return nil, err
	}
	return &Operation{Service: ids[0], Characteristic: ids[1]}, nil
}

func (d *Device) enqueueGatt(kind task.Kind, op *Operation, exec task.Executor) (*task.Task, error) {
	// Each GATT operation is distinct even on the same characteristic.
	t := task.New(kind, d.target(), exec,
		task.Immediate(),
		task.WithTimeout(d.gattTimeout),
		task.WithPayload(op),
		task.WithListener(task.ListenerFunc(d.onGattTask)),
	)
	return d.queue.Add(t)
}

func (d *Device) executeRead(t *task.Task) task.Result {
	op, _ := OperationOf(t)
	if err := d.driver.ReadCharacteristic(d.address, op.Service, op.Characteristic); err != nil {
		d.logger.WithError(err).WithField("characteristic", op.Characteristic).Warn("Read request rejected")
		return task.Settle(task.Failed, native.StatusOf(NormalizeError(err)))
	}
	return task.Wait()
}

func (d *Device) executeWrite(t *task.Task) task.Result {
	op, _ := OperationOf(t)
	if err := d.driver.WriteCharacteristic(d.address, op.Service, op.Characteristic, op.Data, op.WithResponse); err != nil {
		d.logger.WithError(err).WithField("characteristic", op.Characteristic).Warn("Write request rejected")
		return task.Settle(task.Failed, native.StatusOf(NormalizeError(err)))
	}
	if !op.WithResponse {
		return task.Settle(task.Succeeded, native.StatusSuccess)
	}
	return task.Wait()
}

// currentGatt returns the executing task of kind for this device if it
// targets characteristic.
func (d *Device) currentGatt(kind task.Kind, characteristic string) (*task.Task, *Operation) {
	t := d.queue.GetCurrentFor(kind, d.owner, d.address)
	if t == nil {
		return nil, nil
	}
	op, ok := OperationOf(t)
	if !ok || op.Characteristic != NormalizeUUID(characteristic) {
		return nil, nil
	}
	return t, op
}

func (d *Device) onCharacteristicRead(ev native.CharacteristicRead) {
	t, op := d.currentGatt(task.KindRead, ev.Characteristic)
	if t == nil {
		d.logger.WithFields(logrus.Fields{
			"address":        d.address,
			"characteristic": ev.Characteristic,
		}).Debug("Read callback with no matching read task")
		return
	}
	if ev.Status.IsSuccess() {
		op.Value = bytes.Clone(ev.Value)
		t.OnNativeSuccess(ev.Status)
		return
	}
	t.OnNativeFail(ev.Status)
}

func (d *Device) onCharacteristicWritten(ev native.CharacteristicWritten) {
	t, _ := d.currentGatt(task.KindWrite, ev.Characteristic)
	if t == nil {
		d.logger.WithFields(logrus.Fields{
			"address":        d.address,
			"characteristic": ev.Characteristic,
		}).Debug("Write callback with no matching write task")
		return
	}
	if ev.Status.IsSuccess() {
		t.OnNativeSuccess(ev.Status)
		return
	}
	t.OnNativeFail(ev.Status)
}

func (d *Device) onGattTask(t *task.Task, state task.State) {
	if !state.IsTerminal() {
		return
	}
	op, _ := OperationOf(t)
	d.sink.Publish(events.GattEvent{
		Time:           d.now(),
		Target:         t.Target(),
		Kind:           t.Kind(),
		Service:        op.Service,
		Characteristic: op.Characteristic,
		State:          state,
		Status:         t.Status(),
		Value:          op.Value,
	})
}

// abortGatt drops pending GATT tasks and fails the executing one after the
// link is lost. Pending ones go first so none is promoted onto a dead link.
func (d *Device) abortGatt(status native.Status) {
	kinds := []task.Kind{task.KindRead, task.KindWrite}
	for _, kind := range kinds {
		d.queue.Cancel(kind, d.owner, d.address, nil)
	}
	for _, kind := range kinds {
		if t := d.queue.GetCurrentFor(kind, d.owner, d.address); t != nil {
			t.OnNativeFail(status)
		}
	}
}
