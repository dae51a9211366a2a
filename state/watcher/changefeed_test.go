// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package watcher_test

import (
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gomock "go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"
	"gopkg.in/retry.v1"

	"github.com/oceandatatools/sealog/core/changefeed"
	coreerrors "github.com/oceandatatools/sealog/core/errors"
	"github.com/oceandatatools/sealog/state/watcher"
)

const (
	shortWait = 50 * time.Millisecond
	longWait  = 10 * time.Second

	// retryDelay is the fixed backoff used by the suite's watchers.
	retryDelay = time.Second
)

type fakeStream struct {
	records chan changefeed.ChangeRecord
	fail    chan error
	closed  chan struct{}
	once    sync.Once

	mu  sync.Mutex
	err error
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		records: make(chan changefeed.ChangeRecord),
		fail:    make(chan error),
		closed:  make(chan struct{}),
	}
}

func (s *fakeStream) Next(record *changefeed.ChangeRecord) bool {
	select {
	case r := <-s.records:
		*record = r
		return true
	case err := <-s.fail:
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		return false
	case <-s.closed:
		return false
	}
}

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) send(c *gc.C, record changefeed.ChangeRecord) {
	select {
	case s.records <- record:
	case <-time.After(longWait):
		c.Fatalf("watcher did not read record")
	}
}

func (s *fakeStream) breakWith(c *gc.C, err error) {
	select {
	case s.fail <- err:
	case <-time.After(longWait):
		c.Fatalf("watcher did not read from stream")
	}
}

type fakeSource struct {
	mu      sync.Mutex
	tokens  []interface{}
	errs    []error
	streams chan *fakeStream
}

func (s *fakeSource) Open(resumeAfter interface{}) (changefeed.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, resumeAfter)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	stream := newFakeStream()
	s.streams <- stream
	return stream, nil
}

func (s *fakeSource) setErrors(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = errs
}

func (s *fakeSource) resumeTokens() []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]interface{}(nil), s.tokens...)
}

func (s *fakeSource) nextStream(c *gc.C) *fakeStream {
	select {
	case stream := <-s.streams:
		return stream
	case <-time.After(longWait):
		c.Fatalf("no stream opened")
	}
	panic("unreachable")
}

type fakePublisher struct {
	records chan changefeed.ChangeRecord
	err     error
}

func (p *fakePublisher) PublishChange(record changefeed.ChangeRecord) error {
	p.records <- record
	return p.err
}

type changeFeedSuite struct {
	testing.IsolationSuite

	clock     *testclock.Clock
	source    *fakeSource
	publisher *fakePublisher
	hub       *MockHub
	hubTopics chan string
}

var _ = gc.Suite(&changeFeedSuite{})

func (s *changeFeedSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Now())
	s.source = &fakeSource{streams: make(chan *fakeStream, 10)}
	s.publisher = &fakePublisher{records: make(chan changefeed.ChangeRecord, 10)}
	s.hubTopics = make(chan string, 10)
}

func (s *changeFeedSuite) setupMocks(c *gc.C) *gomock.Controller {
	ctrl := gomock.NewController(c)
	s.hub = NewMockHub(ctrl)
	return ctrl
}

// expectHubTopics records every topic published on the hub.
func (s *changeFeedSuite) expectHubTopics() {
	s.hub.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(topic string, _ any) func() {
		s.hubTopics <- topic
		return func() {}
	}).AnyTimes()
}

func (s *changeFeedSuite) config() watcher.ChangeFeedWatcherConfig {
	return watcher.ChangeFeedWatcherConfig{
		Source:     s.source,
		Publisher:  s.publisher,
		Hub:        s.hub,
		Clock:      s.clock,
		Logger:     loggo.GetLogger("sealog.state.watcher.test"),
		MaxRetries: 3,
		ErrorStrategy: retry.Exponential{
			Initial:  retryDelay,
			Factor:   1,
			MaxDelay: retryDelay,
		},
	}
}

func (s *changeFeedSuite) newWatcher(c *gc.C) *watcher.ChangeFeedWatcher {
	w, err := watcher.NewChangeFeedWatcher(s.config())
	c.Assert(err, jc.ErrorIsNil)
	return w
}

func (s *changeFeedSuite) assertHubTopic(c *gc.C, expected string) {
	select {
	case topic := <-s.hubTopics:
		c.Assert(topic, gc.Equals, expected)
	case <-time.After(longWait):
		c.Fatalf("nothing published on hub, expected %q", expected)
	}
}

func (s *changeFeedSuite) assertPublished(c *gc.C, expected changefeed.ChangeRecord) {
	select {
	case record := <-s.publisher.records:
		c.Assert(record, jc.DeepEquals, expected)
	case <-time.After(longWait):
		c.Fatalf("record not published")
	}
}

func (s *changeFeedSuite) assertNotPublished(c *gc.C) {
	select {
	case record := <-s.publisher.records:
		c.Fatalf("unexpected record %#v", record)
	case <-time.After(shortWait):
	}
}

// advance moves the clock on by d once the watcher is waiting to retry.
// The backoff subtracts time already passed, so d must be the exact delay.
func (s *changeFeedSuite) advance(c *gc.C, d time.Duration) {
	c.Assert(s.clock.WaitAdvance(d, longWait, 1), jc.ErrorIsNil)
}

func (s *changeFeedSuite) waitForOpens(c *gc.C, n int) {
	timeout := time.After(longWait)
	for len(s.source.resumeTokens()) != n {
		select {
		case <-timeout:
			c.Fatalf("expected %d opens, got %d", n, len(s.source.resumeTokens()))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *changeFeedSuite) TestValidate(c *gc.C) {
	defer s.setupMocks(c).Finish()

	type test struct {
		mutate func(*watcher.ChangeFeedWatcherConfig)
		err    string
	}
	for i, t := range []test{
		{func(cfg *watcher.ChangeFeedWatcherConfig) { cfg.Source = nil }, "missing Source not valid"},
		{func(cfg *watcher.ChangeFeedWatcherConfig) { cfg.Publisher = nil }, "missing Publisher not valid"},
		{func(cfg *watcher.ChangeFeedWatcherConfig) { cfg.Hub = nil }, "missing Hub not valid"},
		{func(cfg *watcher.ChangeFeedWatcherConfig) { cfg.Clock = nil }, "missing Clock not valid"},
		{func(cfg *watcher.ChangeFeedWatcherConfig) { cfg.MaxRetries = -1 }, "negative MaxRetries not valid"},
	} {
		c.Logf("test %d: %s", i, t.err)
		config := s.config()
		t.mutate(&config)
		_, err := watcher.NewChangeFeedWatcher(config)
		c.Check(err, gc.ErrorMatches, "new ChangeFeedWatcher invalid config: "+t.err)
	}
}

func (s *changeFeedSuite) TestOpenFailureIsStoreUnavailable(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.source.setErrors(errors.New("no reachable servers"))
	_, err := watcher.NewChangeFeedWatcher(s.config())
	c.Assert(errors.Is(err, coreerrors.StoreUnavailable), jc.IsTrue)
	c.Assert(err, gc.ErrorMatches, "opening events change feed: no reachable servers: store unavailable")
}

func (s *changeFeedSuite) TestStartedPublished(c *gc.C) {
	defer s.setupMocks(c).Finish()

	started := make(chan struct{})
	s.hub.EXPECT().Publish(watcher.ChangeFeedStarted, nil).DoAndReturn(func(string, any) func() {
		close(started)
		return func() {}
	})

	w := s.newWatcher(c)
	select {
	case <-started:
	case <-time.After(longWait):
		c.Fatalf("watcher did not start")
	}
	workertest.CleanKill(c, w)
}

func (s *changeFeedSuite) TestForwardsRecordsInOrder(c *gc.C) {
	defer s.setupMocks(c).Finish()
	s.expectHubTopics()

	w := s.newWatcher(c)
	defer workertest.CleanKill(c, w)
	s.assertHubTopic(c, watcher.ChangeFeedStarted)
	stream := s.source.nextStream(c)

	created := changefeed.ChangeRecord{New: changefeed.Document{"id": "1", "v": "a"}, Token: "t1"}
	updated := changefeed.ChangeRecord{
		Old:   changefeed.Document{"id": "1"},
		New:   changefeed.Document{"id": "1", "v": "b"},
		Token: "t2",
	}
	deleted := changefeed.ChangeRecord{Old: changefeed.Document{"id": "1"}, Token: "t4"}

	stream.send(c, created)
	stream.send(c, changefeed.ChangeRecord{Token: "t3"})
	stream.send(c, updated)
	stream.send(c, deleted)

	s.assertPublished(c, created)
	s.assertPublished(c, updated)
	s.assertPublished(c, deleted)
	s.assertNotPublished(c)

	report := w.Report()
	c.Assert(report["creates"], gc.Equals, uint64(1))
	c.Assert(report["updates"], gc.Equals, uint64(1))
	c.Assert(report["deletes"], gc.Equals, uint64(1))
	c.Assert(report["invalid"], gc.Equals, uint64(1))
	c.Assert(report["connected"], jc.IsTrue)
}

func (s *changeFeedSuite) TestPublishErrorDoesNotStopWatcher(c *gc.C) {
	defer s.setupMocks(c).Finish()
	s.expectHubTopics()
	s.publisher.err = errors.New("boom")

	w := s.newWatcher(c)
	defer workertest.CleanKill(c, w)
	stream := s.source.nextStream(c)

	first := changefeed.ChangeRecord{New: changefeed.Document{"id": "1"}}
	second := changefeed.ChangeRecord{New: changefeed.Document{"id": "2"}}
	stream.send(c, first)
	stream.send(c, second)
	s.assertPublished(c, first)
	s.assertPublished(c, second)

	c.Assert(w.Report()["publish-errors"], gc.Equals, uint64(2))
	workertest.CheckAlive(c, w)
}

func (s *changeFeedSuite) TestResumesAfterLastForwardedRecord(c *gc.C) {
	defer s.setupMocks(c).Finish()
	s.expectHubTopics()

	w := s.newWatcher(c)
	defer workertest.CleanKill(c, w)
	s.assertHubTopic(c, watcher.ChangeFeedStarted)
	stream := s.source.nextStream(c)

	first := changefeed.ChangeRecord{New: changefeed.Document{"id": "1"}, Token: "t1"}
	stream.send(c, first)
	s.assertPublished(c, first)

	stream.breakWith(c, errors.New("connection reset by peer"))
	s.advance(c, retryDelay)

	s.assertHubTopic(c, watcher.ChangeFeedResumed)
	resumed := s.source.nextStream(c)
	c.Assert(s.source.resumeTokens(), jc.DeepEquals, []interface{}{nil, "t1"})

	second := changefeed.ChangeRecord{New: changefeed.Document{"id": "2"}, Token: "t2"}
	resumed.send(c, second)
	s.assertPublished(c, second)

	report := w.Report()
	c.Assert(report["reconnects"], gc.Equals, uint64(1))
	c.Assert(report["last-error"], gc.Equals, "connection reset by peer")

	select {
	case <-stream.closed:
	default:
		c.Fatalf("failed stream not closed")
	}
}

func (s *changeFeedSuite) TestRetriesReopen(c *gc.C) {
	defer s.setupMocks(c).Finish()
	s.expectHubTopics()

	w := s.newWatcher(c)
	defer workertest.CleanKill(c, w)
	s.assertHubTopic(c, watcher.ChangeFeedStarted)
	stream := s.source.nextStream(c)

	first := changefeed.ChangeRecord{New: changefeed.Document{"id": "1"}, Token: "t1"}
	stream.send(c, first)
	s.assertPublished(c, first)

	s.source.setErrors(errors.New("not primary"), errors.New("not primary"))
	stream.breakWith(c, errors.New("connection reset by peer"))

	s.advance(c, retryDelay)
	s.waitForOpens(c, 2)
	s.advance(c, retryDelay)
	s.waitForOpens(c, 3)
	s.advance(c, retryDelay)

	s.assertHubTopic(c, watcher.ChangeFeedResumed)
	resumed := s.source.nextStream(c)
	c.Assert(s.source.resumeTokens(), jc.DeepEquals, []interface{}{nil, "t1", "t1", "t1"})

	second := changefeed.ChangeRecord{New: changefeed.Document{"id": "2"}, Token: "t2"}
	resumed.send(c, second)
	s.assertPublished(c, second)

	report := w.Report()
	c.Assert(report["reconnects"], gc.Equals, uint64(1))
	c.Assert(report["last-error"], gc.Equals, "not primary")
	workertest.CheckAlive(c, w)
}

func (s *changeFeedSuite) TestDefaultErrorStrategyBacksOff(c *gc.C) {
	defer s.setupMocks(c).Finish()
	s.expectHubTopics()

	config := s.config()
	config.ErrorStrategy = nil
	w, err := watcher.NewChangeFeedWatcher(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)
	s.assertHubTopic(c, watcher.ChangeFeedStarted)
	stream := s.source.nextStream(c)

	s.source.setErrors(errors.New("not primary"))
	stream.breakWith(c, errors.New("connection reset by peer"))

	// The first retry waits 500ms, the second twice that.
	s.advance(c, 500*time.Millisecond)
	s.waitForOpens(c, 2)
	s.advance(c, 500*time.Millisecond)
	time.Sleep(shortWait)
	c.Assert(s.source.resumeTokens(), gc.HasLen, 2)
	s.advance(c, 500*time.Millisecond)

	s.assertHubTopic(c, watcher.ChangeFeedResumed)
	s.source.nextStream(c)
	c.Assert(s.source.resumeTokens(), jc.DeepEquals, []interface{}{nil, nil, nil})
}

func (s *changeFeedSuite) TestStoreUnavailableAfterMaxRetries(c *gc.C) {
	defer s.setupMocks(c).Finish()
	s.expectHubTopics()

	w := s.newWatcher(c)
	defer workertest.DirtyKill(c, w)
	s.assertHubTopic(c, watcher.ChangeFeedStarted)
	stream := s.source.nextStream(c)

	first := changefeed.ChangeRecord{New: changefeed.Document{"id": "1"}, Token: "t1"}
	stream.send(c, first)
	s.assertPublished(c, first)

	lost := errors.New("no reachable servers")
	s.source.setErrors(lost, lost, lost)
	stream.breakWith(c, errors.New("connection reset by peer"))

	s.advance(c, retryDelay)
	s.waitForOpens(c, 2)
	s.advance(c, retryDelay)
	s.waitForOpens(c, 3)
	s.advance(c, retryDelay)

	s.assertHubTopic(c, watcher.ChangeFeedUnavailable)
	err := workertest.CheckKilled(c, w)
	c.Assert(errors.Is(err, coreerrors.StoreUnavailable), jc.IsTrue)
	c.Assert(err, gc.ErrorMatches, "events change feed lost after 3 attempts: no reachable servers: store unavailable")
	c.Assert(s.source.resumeTokens(), jc.DeepEquals, []interface{}{nil, "t1", "t1", "t1"})
}

func (s *changeFeedSuite) TestReportAfterStop(c *gc.C) {
	defer s.setupMocks(c).Finish()
	s.expectHubTopics()

	w := s.newWatcher(c)
	workertest.CleanKill(c, w)
	c.Assert(w.Report(), gc.IsNil)
}
