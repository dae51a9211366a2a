// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package externalcall

import (
	"context"
	"os/exec"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
	"github.com/mitchellh/go-linereader"
)

// Topic is the hub topic the executor publishes Output and Finished
// messages on. Both share one topic so subscribers see them in order.
const Topic = "externalcall"

// Output is one line written by a running call.
type Output struct {
	CallID string
	Stream string
	Line   []byte
}

// Finished is published once a call has exited.
type Finished struct {
	CallID   string
	ExitCode int
	Error    string
}

// Publisher is the subset of a pubsub hub the executor publishes on.
type Publisher interface {
	Publish(topic string, data interface{}) func()
}

// ExecutorConfig holds the parameters of an Executor.
type ExecutorConfig struct {
	Hub Publisher

	// Commands maps the names clients may request to the argv run for
	// them. Nothing outside this list can be executed.
	Commands map[string][]string
}

// Validate ensures that all the values that have to be set are set.
func (config ExecutorConfig) Validate() error {
	if config.Hub == nil {
		return errors.NotValidf("missing Hub")
	}
	for name, argv := range config.Commands {
		if len(argv) == 0 || argv[0] == "" {
			return errors.NotValidf("command %q with no executable", name)
		}
	}
	return nil
}

// Executor runs configured commands and publishes their output. Killing
// the executor kills any running commands.
type Executor struct {
	catacomb catacomb.Catacomb
	hub      Publisher
	commands map[string][]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	running  map[string]string
	stopping bool
}

// NewExecutor starts an executor worker.
func NewExecutor(config ExecutorConfig) (*Executor, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new Executor invalid config")
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		hub:      config.Hub,
		commands: config.Commands,
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]string),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &e.catacomb,
		Work: e.loop,
	}); err != nil {
		cancel()
		return nil, errors.Trace(err)
	}
	return e, nil
}

// Kill is part of the worker.Worker interface.
func (e *Executor) Kill() {
	e.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (e *Executor) Wait() error {
	return e.catacomb.Wait()
}

func (e *Executor) loop() error {
	<-e.catacomb.Dying()
	e.mu.Lock()
	e.stopping = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
	return e.catacomb.ErrDying()
}

// Commands returns the names of the commands that may be started.
func (e *Executor) Commands() []string {
	names := make([]string, 0, len(e.commands))
	for name := range e.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Running returns the running calls keyed by call id.
func (e *Executor) Running() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make(map[string]string, len(e.running))
	for id, name := range e.running {
		result[id] = name
	}
	return result
}

// Start runs the named command and returns the id its output is
// published under.
func (e *Executor) Start(name string) (string, error) {
	argv, ok := e.commands[name]
	if !ok {
		return "", errors.NotFoundf("command %q", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		return "", errors.New("executor stopping")
	}

	callID := uuid.NewString()
	cmd := exec.CommandContext(e.ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", errors.Trace(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", errors.Trace(err)
	}
	if err := cmd.Start(); err != nil {
		return "", errors.Annotatef(err, "starting %q", name)
	}

	e.running[callID] = name
	logger.Infof("started %q as call %s", name, callID)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.stream(callID, linereader.New(stdout), linereader.New(stderr))
		e.finish(callID, name, cmd.Wait())
	}()
	return callID, nil
}

// stream publishes lines until both outputs are exhausted. The pipes must
// be drained before the command is waited on.
func (e *Executor) stream(callID string, stdout, stderr *linereader.Reader) {
	outCh, errCh := stdout.Ch, stderr.Ch
	for outCh != nil || errCh != nil {
		select {
		case line, ok := <-outCh:
			if !ok {
				outCh = nil
				continue
			}
			e.hub.Publish(Topic, Output{CallID: callID, Stream: "stdout", Line: []byte(line)})
		case line, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			e.hub.Publish(Topic, Output{CallID: callID, Stream: "stderr", Line: []byte(line)})
		}
	}
}

func (e *Executor) finish(callID, name string, err error) {
	e.mu.Lock()
	delete(e.running, callID)
	e.mu.Unlock()

	finished := Finished{CallID: callID}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		finished.ExitCode = exitErr.ExitCode()
	default:
		finished.ExitCode = -1
		finished.Error = err.Error()
	}
	logger.Infof("call %s (%q) finished with exit code %d", callID, name, finished.ExitCode)
	e.hub.Publish(Topic, finished)
}
