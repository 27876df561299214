package device

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blequeue/internal/events"
	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/task"
)

// Bond attaches to or enqueues an explicit bond task.
func (d *Device) Bond() (*task.Task, error) {
	t := task.New(task.KindBond, d.target(), d.executeBond,
		task.WithPriority(task.PriorityForExplicitBondingAndConnecting),
		task.WithTimeout(d.bondTimeout),
	)
	return d.queue.Add(t)
}

// Unbond drops pending bond tasks and enqueues an explicit unbond task.
func (d *Device) Unbond() (*task.Task, error) {
	d.queue.Cancel(task.KindBond, d.owner, d.address, nil)
	t := task.New(task.KindUnbond, d.target(), d.executeUnbond,
		task.WithPriority(task.PriorityForExplicitBondingAndConnecting),
		task.WithTimeout(d.bondTimeout),
	)
	return d.queue.Add(t)
}

func (d *Device) executeBond(t *task.Task) task.Result {
	if d.BondState() == native.Bonded {
		return task.Settle(task.Succeeded, native.StatusSuccess)
	}
	if err := d.driver.CreateBond(d.address); err != nil {
		d.logger.WithError(err).WithField("address", d.address).Warn("Bond request rejected")
		return task.Settle(task.Failed, native.StatusOf(err))
	}
	return task.Wait()
}

func (d *Device) executeUnbond(t *task.Task) task.Result {
	if d.BondState() == native.BondNone {
		return task.Settle(task.SoftlyCancelled, native.StatusSuccess)
	}
	if err := d.driver.RemoveBond(d.address); err != nil {
		d.logger.WithError(err).WithField("address", d.address).Warn("Unbond request rejected")
		return task.Settle(task.Failed, native.StatusOf(err))
	}
	return task.Wait()
}

// onBondStateChange reconciles bond callbacks with bond tasks the same way
// connection callbacks are reconciled: bonding started by the stack gets an
// implicit task, and a terminal bond state drops pending implicit ones.
func (d *Device) onBondStateChange(ev native.BondStateChanged) {
	from := d.BondState()
	d.bond.Store(int32(ev.NewState))

	bound := d.queue.GetCurrentFor(task.KindBond, d.owner, d.address)
	if bound == nil {
		bound = d.queue.GetCurrentFor(task.KindUnbond, d.owner, d.address)
	}
	explicit := bound != nil && bound.IsExplicit()

	d.logger.WithFields(logrus.Fields{
		"address": d.address,
		"from":    from,
		"to":      ev.NewState,
		"status":  ev.Status,
	}).Debug("Native bond state change")

	if from != ev.NewState {
		d.sink.Publish(events.BondEvent{
			Time:     d.now(),
			Target:   d.target(),
			From:     from,
			To:       ev.NewState,
			Explicit: explicit,
			Status:   ev.Status,
		})
	}

	switch ev.NewState {
	case native.Bonding:
		if d.queue.GetCurrentFor(task.KindBond, d.owner, d.address) == nil {
			t := task.New(task.KindBond, d.target(), nil,
				task.Implicit(),
				task.WithPriority(task.PriorityForImplicitBondingAndConnecting),
				task.WithTimeout(d.bondTimeout),
			)
			if _, err := d.queue.Add(t); err != nil {
				d.logger.WithError(err).WithField("address", d.address).Warn("Failed to synthesize implicit bond task")
			}
		}

	case native.Bonded:
		d.dropImplicitBond()
		if t := d.queue.GetCurrentFor(task.KindBond, d.owner, d.address); t != nil {
			t.OnNativeSuccess(ev.Status)
		}

	case native.BondNone:
		d.dropImplicitBond()
		if t := d.queue.GetCurrentFor(task.KindBond, d.owner, d.address); t != nil {
			t.OnNativeFail(ev.Status)
		} else if t := d.queue.GetCurrentFor(task.KindUnbond, d.owner, d.address); t != nil {
			t.OnNativeSuccess(ev.Status)
		}
	}
}

func (d *Device) dropImplicitBond() {
	d.queue.Cancel(task.KindBond, d.owner, d.address, func(t *task.Task) bool { return !t.IsExplicit() })
}
