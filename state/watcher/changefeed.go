// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package watcher

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"gopkg.in/retry.v1"
	"gopkg.in/tomb.v2"

	"github.com/oceandatatools/sealog/core/changefeed"
	coreerrors "github.com/oceandatatools/sealog/core/errors"
)

// Hub represents a pubsub hub. The ChangeFeedWatcher only ever publishes
// status events to the hub.
type Hub interface {
	Publish(topic string, data interface{}) func()
}

// Clock represents the time methods used.
type Clock interface {
	Now() time.Time
	After(time.Duration) <-chan time.Time
}

// Logger represents the logging methods used.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Tracef(string, ...interface{})
}

// ChangePublisher receives every record read from the change feed.
type ChangePublisher interface {
	PublishChange(changefeed.ChangeRecord) error
}

const (
	// ChangeFeedStarted is published once the first stream is open.
	ChangeFeedStarted = "changefeed.started"
	// ChangeFeedResumed is published after the stream has been re-opened
	// following a failure. The data is the number of attempts it took.
	ChangeFeedResumed = "changefeed.resumed"
	// ChangeFeedUnavailable is published with the last error when the
	// watcher gives up re-opening the stream.
	ChangeFeedUnavailable = "changefeed.unavailable"

	// DefaultMaxRetries is the number of consecutive failed attempts to
	// re-open the stream before the store is considered lost.
	DefaultMaxRetries = 10

	changeFeedErrorShortWait = 500 * time.Millisecond
)

// ErrorStrategy is used to determine how long to wait between attempts
// to re-open a failed stream.
//
// It must not be changed when any watchers are active.
var ErrorStrategy retry.Strategy = retry.Exponential{
	Initial:  changeFeedErrorShortWait,
	Factor:   2.0,
	MaxDelay: 30 * time.Second,
}

// ChangeFeedWatcherConfig contains the configuration parameters required
// for a NewChangeFeedWatcher.
type ChangeFeedWatcherConfig struct {
	// Source opens the change streams.
	Source changefeed.Source
	// Publisher is handed every valid record, in feed order.
	Publisher ChangePublisher
	// Hub is where status changes are published to.
	Hub Hub
	// Clock allows tests to control the advancing of time.
	Clock Clock
	// Logger is used to control where the log messages for this watcher go.
	Logger Logger
	// Name identifies the watched collection in logs and reports.
	Name string
	// MaxRetries overrides DefaultMaxRetries when positive.
	MaxRetries int
	// ErrorStrategy overrides the package ErrorStrategy when set.
	ErrorStrategy retry.Strategy
}

// Validate ensures that all the values that have to be set are set.
func (config ChangeFeedWatcherConfig) Validate() error {
	if config.Source == nil {
		return errors.NotValidf("missing Source")
	}
	if config.Publisher == nil {
		return errors.NotValidf("missing Publisher")
	}
	if config.Hub == nil {
		return errors.NotValidf("missing Hub")
	}
	if config.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if config.MaxRetries < 0 {
		return errors.NotValidf("negative MaxRetries")
	}
	return nil
}

// A ChangeFeedWatcher reads the change feed of the events collection and
// hands each record to the publisher.
//
// When the stream fails it is re-opened after the last record that was
// handed on, so a record may be seen twice but never skipped: delivery is
// at least once. If the stream cannot be re-opened the watcher stops with
// StoreUnavailable.
type ChangeFeedWatcher struct {
	source        changefeed.Source
	publisher     ChangePublisher
	hub           Hub
	clock         Clock
	logger        Logger
	name          string
	maxRetries    int
	errorStrategy retry.Strategy

	tomb          tomb.Tomb
	reportRequest chan chan map[string]interface{}

	// The following are only accessed by the loop.
	lastToken  interface{}
	lastError  string
	counts     map[changefeed.ChangeType]uint64
	invalid    uint64
	failed     uint64
	reconnects uint64
}

// NewChangeFeedWatcher opens the change feed and starts forwarding
// records. A feed that cannot be opened is reported as StoreUnavailable.
func NewChangeFeedWatcher(config ChangeFeedWatcherConfig) (*ChangeFeedWatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new ChangeFeedWatcher invalid config")
	}

	w := &ChangeFeedWatcher{
		source:        config.Source,
		publisher:     config.Publisher,
		hub:           config.Hub,
		clock:         config.Clock,
		logger:        config.Logger,
		name:          config.Name,
		maxRetries:    config.MaxRetries,
		errorStrategy: config.ErrorStrategy,
		reportRequest: make(chan chan map[string]interface{}),
		counts:        make(map[changefeed.ChangeType]uint64),
	}
	if w.logger == nil {
		w.logger = noOpLogger{}
	}
	if w.name == "" {
		w.name = "events"
	}
	if w.maxRetries == 0 {
		w.maxRetries = DefaultMaxRetries
	}
	if w.errorStrategy == nil {
		w.errorStrategy = ErrorStrategy
	}

	stream, err := w.source.Open(nil)
	if err != nil {
		return nil, errors.Annotatef(coreerrors.StoreUnavailable, "opening %s change feed: %v", w.name, err)
	}

	w.tomb.Go(func() error {
		err := w.loop(stream)
		cause := errors.Cause(err)
		// tomb expects ErrDying or ErrStillAlive as
		// exact values, so we need to log and unwrap
		// the error first.
		if err != nil && cause != tomb.ErrDying {
			w.logger.Infof("change feed watcher loop failed: %v", err)
		}
		if cause == tomb.ErrDying {
			return cause
		}
		return err
	})
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *ChangeFeedWatcher) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *ChangeFeedWatcher) Wait() error {
	return w.tomb.Wait()
}

// Stop stops all the watcher activities.
func (w *ChangeFeedWatcher) Stop() error {
	return worker.Stop(w)
}

// Dead returns a channel that is closed when the watcher has stopped.
func (w *ChangeFeedWatcher) Dead() <-chan struct{} {
	return w.tomb.Dead()
}

// Err returns the error with which the watcher stopped.
func (w *ChangeFeedWatcher) Err() error {
	return w.tomb.Err()
}

// Report exposes runtime details of the watcher for introspection.
func (w *ChangeFeedWatcher) Report() map[string]interface{} {
	resCh := make(chan map[string]interface{})
	select {
	case <-w.tomb.Dying():
		return nil
	case w.reportRequest <- resCh:
	}
	select {
	case <-w.tomb.Dying():
		return nil
	case res := <-resCh:
		return res
	}
}

// read runs Next on the stream in its own goroutine, since it blocks
// until a record arrives or the await window passes. It stops after the
// stream fails, reporting the error on the returned channel.
func (w *ChangeFeedWatcher) read(stream changefeed.Stream) (<-chan changefeed.ChangeRecord, <-chan error) {
	records := make(chan changefeed.ChangeRecord)
	failed := make(chan error, 1)
	w.tomb.Go(func() error {
		for {
			var record changefeed.ChangeRecord
			if stream.Next(&record) {
				select {
				case <-w.tomb.Dying():
					return nil
				case records <- record:
				}
				continue
			}
			if err := stream.Err(); err != nil {
				failed <- err
				return nil
			}
			select {
			case <-w.tomb.Dying():
				return nil
			default:
			}
		}
	})
	return records, failed
}

// loop implements the main watcher loop.
func (w *ChangeFeedWatcher) loop(stream changefeed.Stream) error {
	w.logger.Tracef("loop started")
	defer w.logger.Tracef("loop finished")
	defer func() {
		if stream != nil {
			_ = stream.Close()
		}
	}()

	records, failed := w.read(stream)
	w.hub.Publish(ChangeFeedStarted, nil)
	w.logger.Infof("watching %s change feed", w.name)

	var (
		backoff  retry.Timer
		next     <-chan time.Time
		attempts int
	)
	for {
		select {
		case <-w.tomb.Dying():
			return errors.Trace(tomb.ErrDying)

		case resCh := <-w.reportRequest:
			select {
			case <-w.tomb.Dying():
				return errors.Trace(tomb.ErrDying)
			case resCh <- w.report(stream != nil, attempts):
			}

		case record := <-records:
			w.forward(record)

		case err := <-failed:
			w.logger.Warningf("%s change feed failed: %v", w.name, err)
			w.lastError = err.Error()
			_ = stream.Close()
			stream, records, failed = nil, nil, nil
			attempts = 0
			now := w.clock.Now()
			backoff = w.errorStrategy.NewTimer(now)
			next = w.clock.After(w.nextSleep(backoff, now))

		case <-next:
			attempts++
			opened, err := w.source.Open(w.lastToken)
			if err != nil {
				w.logger.Warningf("re-opening %s change feed: %v\ncurrent retry count %d", w.name, err, attempts)
				w.lastError = err.Error()
				if attempts >= w.maxRetries {
					w.hub.Publish(ChangeFeedUnavailable, err)
					return errors.Annotatef(coreerrors.StoreUnavailable,
						"%s change feed lost after %d attempts: %v", w.name, attempts, err)
				}
				now := w.clock.Now()
				next = w.clock.After(w.nextSleep(backoff, now))
				continue
			}
			w.logger.Infof("%s change feed resumed after %d attempts", w.name, attempts)
			w.reconnects++
			stream, next = opened, nil
			records, failed = w.read(stream)
			w.hub.Publish(ChangeFeedResumed, attempts)
		}
	}
}

func (w *ChangeFeedWatcher) nextSleep(backoff retry.Timer, now time.Time) time.Duration {
	d, ok := backoff.NextSleep(now)
	if !ok {
		// The strategy gave up; keep retrying at the short wait until
		// the retry count runs out.
		return changeFeedErrorShortWait
	}
	return d
}

// forward hands a record to the publisher and records its token so a
// re-opened stream continues after it.
func (w *ChangeFeedWatcher) forward(record changefeed.ChangeRecord) {
	if record.Token != nil {
		w.lastToken = record.Token
	}
	changeType, err := record.Type()
	if err != nil {
		w.invalid++
		w.logger.Warningf("skipping %s change record: %v", w.name, err)
		return
	}
	if err := w.publisher.PublishChange(record); err != nil {
		w.failed++
		w.logger.Errorf("publishing %s %s: %v", w.name, changeType, err)
		return
	}
	w.counts[changeType]++
	w.logger.Tracef("forwarded %s %s", w.name, changeType)
}

func (w *ChangeFeedWatcher) report(connected bool, attempts int) map[string]interface{} {
	return map[string]interface{}{
		"collection":     w.name,
		"connected":      connected,
		"creates":        w.counts[changefeed.Create],
		"updates":        w.counts[changefeed.Update],
		"deletes":        w.counts[changefeed.Delete],
		"invalid":        w.invalid,
		"publish-errors": w.failed,
		"reconnects":     w.reconnects,
		"retry-attempts": attempts,
		"last-error":     w.lastError,
	}
}

type noOpLogger struct{}

func (noOpLogger) Errorf(string, ...interface{})   {}
func (noOpLogger) Warningf(string, ...interface{}) {}
func (noOpLogger) Infof(string, ...interface{})    {}
func (noOpLogger) Debugf(string, ...interface{})   {}
func (noOpLogger) Tracef(string, ...interface{})   {}
