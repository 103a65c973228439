package gateway

import (
	"context"
	"time"

	"github.com/patrickwarner/openadtag/internal/clock"
)

// Fake is a scriptable Gateway for tests and local runs. Calls are recorded
// and answered either by the test through the FakeCall helpers or, when Auto
// is set, automatically after Latency on the scheduler.
type Fake struct {
	Sched   clock.Scheduler
	Latency time.Duration
	Auto    func(call *FakeCall)

	Calls []*FakeCall
}

func NewFake(sched clock.Scheduler) *Fake {
	return &Fake{Sched: sched}
}

func (f *Fake) Request(_ context.Context, req Request, h Handler) {
	call := &FakeCall{Request: req, Handler: h, fake: f}
	f.Calls = append(f.Calls, call)
	if f.Auto != nil && f.Sched != nil {
		f.Sched.AfterFunc(f.Latency, func() { f.Auto(call) })
	}
}

// Last returns the most recent call or nil.
func (f *Fake) Last() *FakeCall {
	if len(f.Calls) == 0 {
		return nil
	}
	return f.Calls[len(f.Calls)-1]
}

// InFlight counts calls that have not been answered.
func (f *Fake) InFlight() int {
	n := 0
	for _, c := range f.Calls {
		if !c.Answered {
			n++
		}
	}
	return n
}

// CallsFor returns the calls made for one slot.
func (f *Fake) CallsFor(slotID string) []*FakeCall {
	var out []*FakeCall
	for _, c := range f.Calls {
		if c.Request.SlotID == slotID {
			out = append(out, c)
		}
	}
	return out
}

// FakeCall is one recorded request.
type FakeCall struct {
	Request  Request
	Handler  Handler
	Instance *FakeInstance
	Answered bool
	fake     *Fake
}

// Fill answers with a rendered creative of the given size.
func (c *FakeCall) Fill(size Size) *FakeInstance {
	c.Answered = true
	c.Instance = &FakeInstance{Size: size}
	c.Handler.OnResponse(Response{Size: size, CreativeID: "cr-1"}, c.Instance, nil)
	return c.Instance
}

// Empty answers with a valid no-fill.
func (c *FakeCall) Empty() {
	c.Answered = true
	c.Handler.OnResponse(Response{Empty: true}, nil, nil)
}

// Fail answers with err, defaulting to a transient error.
func (c *FakeCall) Fail(err error) {
	if err == nil {
		err = Err(ErrTransient, nil, "fake network error")
	}
	c.Answered = true
	c.Handler.OnResponse(Response{}, nil, err)
}

// Emit delivers a playback event.
func (c *FakeCall) Emit(t EventType) {
	if c.Handler.OnEvent != nil {
		c.Handler.OnEvent(Event{Type: t})
	}
}

// FakeInstance records the commands sent to a rendered creative.
type FakeInstance struct {
	Size        Size
	Resizes     []Size
	Paused      bool
	PauseCalls  int
	ResumeCalls int
	Destroyed   bool
}

func (i *FakeInstance) Pause() {
	i.Paused = true
	i.PauseCalls++
}

func (i *FakeInstance) Resume() {
	i.Paused = false
	i.ResumeCalls++
}

func (i *FakeInstance) Resize(s Size) {
	i.Size = s
	i.Resizes = append(i.Resizes, s)
}

func (i *FakeInstance) Destroy() { i.Destroyed = true }
