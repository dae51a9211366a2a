// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package externalcall_test

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/oceandatatools/sealog/internal/externalcall"
)

type frame struct {
	messageType int
	data        string
}

type fakeSocket struct {
	mu        sync.Mutex
	frames    []frame
	deadlines []time.Time
	writeErr  error
	closed    bool
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.frames = append(s.frames, frame{messageType, string(data)})
	return nil
}

func (s *fakeSocket) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadlines = append(s.deadlines, t)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) written() []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame(nil), s.frames...)
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type registrySuite struct {
	testing.IsolationSuite

	clock    *testclock.Clock
	registry *externalcall.Registry
}

var _ = gc.Suite(&registrySuite{})

func (s *registrySuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	var err error
	s.registry, err = externalcall.NewRegistry(externalcall.RegistryConfig{
		Clock:        s.clock,
		WriteTimeout: 5 * time.Second,
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *registrySuite) register(c *gc.C, callID string) (*fakeSocket, *externalcall.Handle) {
	socket := &fakeSocket{}
	h, err := s.registry.Register(socket, callID)
	c.Assert(err, jc.ErrorIsNil)
	return socket, h
}

func (s *registrySuite) assertRemoved(c *gc.C, socket *fakeSocket, h *externalcall.Handle) {
	select {
	case <-h.Done():
	default:
		c.Fatalf("handle not removed")
	}
	c.Assert(socket.isClosed(), jc.IsTrue)
}

func (s *registrySuite) TestValidate(c *gc.C) {
	_, err := externalcall.NewRegistry(externalcall.RegistryConfig{WriteTimeout: time.Second})
	c.Assert(err, gc.ErrorMatches, "new Registry invalid config: missing Clock not valid")
	_, err = externalcall.NewRegistry(externalcall.RegistryConfig{Clock: s.clock})
	c.Assert(err, gc.ErrorMatches, "new Registry invalid config: non-positive WriteTimeout not valid")
}

func (s *registrySuite) TestBroadcast(c *gc.C) {
	all, _ := s.register(c, "")
	mine, _ := s.register(c, "call-1")
	other, _ := s.register(c, "call-2")

	c.Assert(s.registry.Broadcast("call-1", []byte("line one")), gc.Equals, 2)

	c.Assert(all.written(), jc.DeepEquals, []frame{{websocket.TextMessage, "line one"}})
	c.Assert(mine.written(), jc.DeepEquals, []frame{{websocket.TextMessage, "line one"}})
	c.Assert(other.written(), gc.HasLen, 0)
	c.Assert(mine.deadlines, jc.DeepEquals, []time.Time{s.clock.Now().Add(5 * time.Second)})
}

func (s *registrySuite) TestBroadcastRemovesFailedSockets(c *gc.C) {
	broken, h := s.register(c, "")
	healthy, _ := s.register(c, "")
	broken.writeErr = errors.New("broken pipe")

	c.Assert(s.registry.Broadcast("call-1", []byte("x")), gc.Equals, 1)
	s.assertRemoved(c, broken, h)
	c.Assert(healthy.written(), gc.HasLen, 1)
	c.Assert(s.registry.Len(), gc.Equals, 1)
}

func (s *registrySuite) TestRemove(c *gc.C) {
	socket, h := s.register(c, "")
	c.Assert(s.registry.Len(), gc.Equals, 1)
	s.registry.Remove(h)
	s.registry.Remove(h)
	s.assertRemoved(c, socket, h)
	c.Assert(s.registry.Len(), gc.Equals, 0)
	c.Assert(s.registry.Broadcast("call-1", []byte("x")), gc.Equals, 0)
}

func (s *registrySuite) TestFinish(c *gc.C) {
	all, hAll := s.register(c, "")
	mine, hMine := s.register(c, "call-1")
	other, _ := s.register(c, "call-2")

	s.registry.Finish("call-1", 0, "")

	closeFrame := frame{websocket.CloseMessage, string(websocket.FormatCloseMessage(
		websocket.CloseNormalClosure, "call call-1 finished: exit 0"))}
	c.Assert(all.written(), jc.DeepEquals, []frame{closeFrame})
	c.Assert(mine.written(), jc.DeepEquals, []frame{closeFrame})
	s.assertRemoved(c, all, hAll)
	s.assertRemoved(c, mine, hMine)
	c.Assert(other.isClosed(), jc.IsFalse)
	c.Assert(s.registry.Len(), gc.Equals, 1)
}

func (s *registrySuite) TestFinishWithError(c *gc.C) {
	socket, _ := s.register(c, "call-1")
	s.registry.Finish("call-1", -1, "signal: killed")
	c.Assert(socket.written(), jc.DeepEquals, []frame{{websocket.CloseMessage, string(websocket.FormatCloseMessage(
		websocket.CloseNormalClosure, "call call-1 failed: signal: killed"))}})
}

func (s *registrySuite) TestFinishTrimsReasonOnRuneBoundary(c *gc.C) {
	socket, _ := s.register(c, "call-1")
	s.registry.Finish("call-1", -1, strings.Repeat("é", 100))

	frames := socket.written()
	c.Assert(frames, gc.HasLen, 1)
	reason := frames[0].data[2:]
	c.Assert(len(reason) <= 123, jc.IsTrue)
	c.Assert(utf8.ValidString(reason), jc.IsTrue)
	c.Assert(reason, gc.Equals, "call call-1 failed: "+strings.Repeat("é", 51))
}

func (s *registrySuite) TestClose(c *gc.C) {
	socket, h := s.register(c, "")
	s.registry.Close()
	s.assertRemoved(c, socket, h)
	_, err := s.registry.Register(&fakeSocket{}, "")
	c.Assert(err, gc.Equals, externalcall.ErrRegistryClosed)
}

func (s *registrySuite) TestFollow(c *gc.C) {
	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("sealog.externalcall.test"),
	})
	unsubscribe := s.registry.Follow(hub)
	defer unsubscribe()

	socket, h := s.register(c, "")
	hub.Publish(externalcall.Topic, externalcall.Output{CallID: "call-1", Line: []byte("hello")})
	done := hub.Publish(externalcall.Topic, externalcall.Finished{CallID: "call-1", ExitCode: 2})
	done()

	frames := socket.written()
	c.Assert(frames, gc.HasLen, 2)
	c.Assert(frames[0], jc.DeepEquals, frame{websocket.TextMessage, "hello"})
	c.Assert(frames[1].messageType, gc.Equals, websocket.CloseMessage)
	s.assertRemoved(c, socket, h)
}
