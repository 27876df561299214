package task

// Listener receives every lifecycle transition of a task. Listeners run
// synchronously on the dispatch loop and must not block. They may add tasks;
// promotion of the next task is deferred until the listener returns.
type Listener interface {
	OnStateChange(t *Task, state State)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(t *Task, state State)

// OnStateChange calls f(t, state).
func (f ListenerFunc) OnStateChange(t *Task, state State) {
	f(t, state)
}
