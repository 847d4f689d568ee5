package botkeeper

import (
	"context"
	"errors"
	"fmt"
)

// CommandName identifies a control-surface command.
type CommandName string

const (
	CommandLoad       CommandName = "load"
	CommandStart      CommandName = "start"
	CommandStop       CommandName = "stop"
	CommandRestart    CommandName = "restart"
	CommandReload     CommandName = "reload"
	CommandDestroy    CommandName = "destroy"
	CommandEdit       CommandName = "edit"
	CommandGet        CommandName = "get"
	CommandList       CommandName = "list"
	CommandLoadAll    CommandName = "load_all"
	CommandStartAll   CommandName = "start_all"
	CommandStopAll    CommandName = "stop_all"
	CommandRestartAll CommandName = "restart_all"
	CommandReloadAll  CommandName = "reload_all"
	CommandDestroyAll CommandName = "destroy_all"
)

// Status is the outcome class of a command.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	// StatusWarning marks a batch command that failed for some applications only.
	StatusWarning Status = "warning"
)

// Command is a request from the control surface. ID is required for per-id
// commands; Arguments is only read by edit.
type Command struct {
	Name      CommandName    `json:"name"`
	ID        string         `json:"id,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Result answers a Command.
type Result struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Err     error  `json:"-"`
}

// BatchData is the Data of a batch command result.
type BatchData struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
}

func (c Command) perID() bool {
	switch c.Name {
	case CommandLoad, CommandStart, CommandStop, CommandRestart, CommandReload, CommandDestroy, CommandEdit:
		return true
	}
	return false
}

// Submit queues cmd and returns a channel that receives its single Result.
// A per-id command reserves its place in the id's queue before Submit
// returns, so commands submitted one after another for the same id run in
// that order.
func (m *Manager) Submit(cmd Command) <-chan Result {
	out := make(chan Result, 1)

	if cmd.perID() {
		if cmd.ID == "" {
			out <- failure(cmd, fmt.Errorf("%s: %w", cmd.Name, ErrUnknownApplication))
			return out
		}
		fn, err := m.perIDCommand(cmd)
		if err != nil {
			out <- failure(cmd, err)
			return out
		}
		ch, err := enqueue(m, context.Background(), string(cmd.Name), cmd.ID, fn)
		if err != nil {
			out <- failure(cmd, err)
			return out
		}
		go func() {
			o := <-ch
			out <- o.val.with(o.err, cmd)
		}()
		return out
	}

	go func() {
		out <- m.runCollection(context.Background(), cmd)
	}()
	return out
}

// Execute runs cmd and waits for its result or for ctx to end. A result
// produced after ctx ended is discarded; the command itself still runs to
// completion.
func (m *Manager) Execute(ctx context.Context, cmd Command) Result {
	select {
	case r := <-m.Submit(cmd):
		return r
	case <-ctx.Done():
		return failure(cmd, fmt.Errorf("%w: %s: %w", ErrIndeterminate, cmd.Name, ctx.Err()))
	}
}

// perIDCommand returns the body of a per-id command. It runs holding the lane.
func (m *Manager) perIDCommand(cmd Command) (func(context.Context) (Result, error), error) {
	id := cmd.ID
	app := func(a *Application, err error) (Result, error) {
		if a == nil {
			return Result{}, err
		}
		return Result{Data: a.Info()}, err
	}

	switch cmd.Name {
	case CommandLoad:
		return func(ctx context.Context) (Result, error) {
			r, err := app(m.load(ctx, id))
			r.Message = "Loaded app with ID " + id
			return r, err
		}, nil
	case CommandStart:
		return func(ctx context.Context) (Result, error) {
			r, err := app(m.start(ctx, id))
			r.Message = "Started app with ID " + id
			return r, err
		}, nil
	case CommandStop:
		return func(ctx context.Context) (Result, error) {
			r, err := app(m.stop(ctx, id))
			r.Message = "Stopped app with ID " + id
			return r, err
		}, nil
	case CommandRestart:
		return func(ctx context.Context) (Result, error) {
			if _, err := m.stop(ctx, id); err != nil {
				if errors.Is(err, ErrUnknownApplication) {
					return Result{}, err
				}
				m.logger.Warn("stop during restart failed", "app", id, "error", err)
			}
			r, err := app(m.start(ctx, id))
			r.Message = "Restarted app with ID " + id
			return r, err
		}, nil
	case CommandReload:
		return func(ctx context.Context) (Result, error) {
			r, err := app(m.reload(ctx, id))
			r.Message = "Reloaded app with ID " + id
			return r, err
		}, nil
	case CommandDestroy:
		return func(ctx context.Context) (Result, error) {
			a, ok := m.apps.Get(id)
			if !ok {
				return Result{}, fmt.Errorf("%w: %s", ErrUnknownApplication, id)
			}
			return Result{Message: "Destroyed app with ID " + id}, m.destroy(ctx, a)
		}, nil
	case CommandEdit:
		return func(ctx context.Context) (Result, error) {
			r, err := app(m.updateArguments(ctx, id, cmd.Arguments))
			r.Message = "Updated app with ID " + id
			return r, err
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name)
}

// runCollection executes a command that is not bound to one id.
func (m *Manager) runCollection(ctx context.Context, cmd Command) Result {
	var (
		report *BatchReport
		err    error
	)
	switch cmd.Name {
	case CommandGet:
		a, ok := m.Get(cmd.ID)
		if !ok {
			return failure(cmd, fmt.Errorf("%w: %s", ErrUnknownApplication, cmd.ID))
		}
		return Result{Status: StatusSuccess, Data: a.Info()}
	case CommandList:
		return Result{Status: StatusSuccess, Data: m.Infos()}
	case CommandLoadAll:
		report, err = m.LoadAll(ctx)
	case CommandStartAll:
		report, err = m.StartAll(ctx)
	case CommandStopAll:
		report, err = m.StopAll(ctx)
	case CommandRestartAll:
		report, err = m.RestartAll(ctx)
	case CommandReloadAll:
		report, err = m.ReloadAll(ctx)
	case CommandDestroyAll:
		report, err = m.DestroyAll(ctx)
	default:
		return failure(cmd, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name))
	}
	if err != nil {
		return failure(cmd, err)
	}
	return batchResult(cmd, report)
}

func batchResult(cmd Command, report *BatchReport) Result {
	data := BatchData{Succeeded: report.Succeeded}
	failed := report.FailureMessages()
	if len(failed) > 0 {
		data.Failed = failed
	}
	switch {
	case len(failed) == 0:
		return Result{Status: StatusSuccess, Data: data}
	case len(report.Succeeded) == 0:
		return Result{Status: StatusError, Message: fmt.Sprintf("%s failed", cmd.Name), Data: data, Err: report.Err()}
	default:
		return Result{
			Status:  StatusWarning,
			Message: fmt.Sprintf("%s failed for %d application(s)", cmd.Name, len(failed)),
			Data:    data,
			Err:     report.Err(),
		}
	}
}

// with completes a per-id result.
func (r Result) with(err error, cmd Command) Result {
	if err == nil {
		r.Status = StatusSuccess
		return r
	}
	f := failure(cmd, err)
	if r.Data != nil {
		f.Data = r.Data
	}
	return f
}

// failure builds an error result. Unknown ids get the message clients have
// always matched on.
func failure(cmd Command, err error) Result {
	msg := err.Error()
	switch {
	case errors.Is(err, ErrUnknownApplication):
		msg = "No app found with ID " + cmd.ID
	case errors.Is(err, ErrEmptyArguments):
		msg = "New config is empty"
	}
	return Result{Status: StatusError, Message: msg, Err: err}
}
