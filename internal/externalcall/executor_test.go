// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package externalcall_test

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/oceandatatools/sealog/internal/externalcall"
)

type recordingHub struct {
	mu       sync.Mutex
	outputs  []externalcall.Output
	finished chan externalcall.Finished
}

func (h *recordingHub) Publish(topic string, data interface{}) func() {
	switch msg := data.(type) {
	case externalcall.Output:
		h.mu.Lock()
		h.outputs = append(h.outputs, msg)
		h.mu.Unlock()
	case externalcall.Finished:
		h.finished <- msg
	}
	return func() {}
}

func (h *recordingHub) lines(stream string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var result []string
	for _, o := range h.outputs {
		if o.Stream == stream {
			result = append(result, string(o.Line))
		}
	}
	return result
}

type executorSuite struct {
	testing.IsolationSuite

	hub *recordingHub
}

var _ = gc.Suite(&executorSuite{})

func (s *executorSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.hub = &recordingHub{finished: make(chan externalcall.Finished, 4)}
}

func (s *executorSuite) newExecutor(c *gc.C) *externalcall.Executor {
	e, err := externalcall.NewExecutor(externalcall.ExecutorConfig{
		Hub: s.hub,
		Commands: map[string][]string{
			"report": {"/bin/sh", "-c", "echo one; echo two; echo oops >&2; exit 3"},
			"sleep":  {"/bin/sh", "-c", "sleep 60"},
			"true":   {"/bin/sh", "-c", "true"},
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	return e
}

func (s *executorSuite) waitFinished(c *gc.C) externalcall.Finished {
	select {
	case f := <-s.hub.finished:
		return f
	case <-time.After(10 * time.Second):
		c.Fatalf("call did not finish")
	}
	panic("unreachable")
}

func (s *executorSuite) TestValidate(c *gc.C) {
	_, err := externalcall.NewExecutor(externalcall.ExecutorConfig{})
	c.Assert(err, gc.ErrorMatches, "new Executor invalid config: missing Hub not valid")
	_, err = externalcall.NewExecutor(externalcall.ExecutorConfig{
		Hub:      s.hub,
		Commands: map[string][]string{"x": {}},
	})
	c.Assert(err, gc.ErrorMatches, `new Executor invalid config: command "x" with no executable not valid`)
}

func (s *executorSuite) TestStartStreamsOutput(c *gc.C) {
	e := s.newExecutor(c)
	defer workertest.CleanKill(c, e)

	callID, err := e.Start("report")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(callID, gc.Not(gc.Equals), "")

	finished := s.waitFinished(c)
	c.Assert(finished, jc.DeepEquals, externalcall.Finished{CallID: callID, ExitCode: 3})
	c.Assert(s.hub.lines("stdout"), jc.DeepEquals, []string{"one", "two"})
	c.Assert(s.hub.lines("stderr"), jc.DeepEquals, []string{"oops"})
	c.Assert(e.Running(), gc.HasLen, 0)
}

func (s *executorSuite) TestStartUnknownCommand(c *gc.C) {
	e := s.newExecutor(c)
	defer workertest.CleanKill(c, e)

	_, err := e.Start("rm")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (s *executorSuite) TestCommands(c *gc.C) {
	e := s.newExecutor(c)
	defer workertest.CleanKill(c, e)

	names := e.Commands()
	c.Assert(sort.StringsAreSorted(names), jc.IsTrue)
	c.Assert(names, jc.DeepEquals, []string{"report", "sleep", "true"})
}

func (s *executorSuite) TestKillStopsRunningCalls(c *gc.C) {
	e := s.newExecutor(c)

	callID, err := e.Start("sleep")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(e.Running(), jc.DeepEquals, map[string]string{callID: "sleep"})

	workertest.CleanKill(c, e)
	finished := s.waitFinished(c)
	c.Assert(finished.CallID, gc.Equals, callID)
	c.Assert(finished.ExitCode, gc.Not(gc.Equals), 0)

	_, err = e.Start("true")
	c.Assert(err, gc.NotNil)
}
