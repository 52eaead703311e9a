// Package virtual implements headless media player driven by a clock.
// It behaves like a browser video element for the purposes of sync:
// position advances while playing, and every change fires the
// matching notification no matter who made it.
package virtual

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/adwski/watchparty/backend/viewer"
	"github.com/jonboulle/clockwork"
)

var (
	ErrInvalidPosition = errors.New("invalid position")
	ErrNoSource        = errors.New("no source loaded")
)

type Player struct {
	clock clockwork.Clock

	mx       *sync.Mutex
	url      string
	playing  bool
	position float64
	// wall time position was last anchored at while playing
	anchor time.Time

	subs   map[int]viewer.Listeners
	nextID int
}

func New(clock clockwork.Clock) *Player {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Player{
		clock: clock,
		mx:    &sync.Mutex{},
		subs:  make(map[int]viewer.Listeners),
	}
}

// Load replaces current source. Playback stops and rewinds to zero
// without firing notifications.
func (p *Player) Load(url string) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.url = url
	p.playing = false
	p.position = 0
}

func (p *Player) URL() string {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.url
}

func (p *Player) Playing() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.playing
}

func (p *Player) Position() float64 {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.positionLocked()
}

func (p *Player) positionLocked() float64 {
	if !p.playing {
		return p.position
	}
	return p.position + p.clock.Since(p.anchor).Seconds()
}

func (p *Player) Seek(t float64) error {
	if t < 0 || math.IsNaN(t) || math.IsInf(t, 0) {
		return ErrInvalidPosition
	}
	p.mx.Lock()
	if p.url == "" {
		p.mx.Unlock()
		return ErrNoSource
	}
	p.position = t
	p.anchor = p.clock.Now()
	p.mx.Unlock()

	p.fire(func(l viewer.Listeners) func() { return l.OnSeeked })
	return nil
}

// Play starts playback, already playing player stays silent.
func (p *Player) Play() error {
	p.mx.Lock()
	if p.url == "" {
		p.mx.Unlock()
		return ErrNoSource
	}
	if p.playing {
		p.mx.Unlock()
		return nil
	}
	p.playing = true
	p.anchor = p.clock.Now()
	p.mx.Unlock()

	p.fire(func(l viewer.Listeners) func() { return l.OnPlay })
	return nil
}

// Pause freezes position, paused player stays silent.
func (p *Player) Pause() error {
	p.mx.Lock()
	if !p.playing {
		p.mx.Unlock()
		return nil
	}
	p.position = p.positionLocked()
	p.playing = false
	p.mx.Unlock()

	p.fire(func(l viewer.Listeners) func() { return l.OnPause })
	return nil
}

func (p *Player) Subscribe(l viewer.Listeners) viewer.Subscription {
	p.mx.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = l
	p.mx.Unlock()

	var once sync.Once
	return viewer.SubscriptionFunc(func() {
		once.Do(func() {
			p.mx.Lock()
			delete(p.subs, id)
			p.mx.Unlock()
		})
	})
}

// fire invokes selected listener of every subscriber outside the lock,
// so listeners are free to query the player.
func (p *Player) fire(pick func(viewer.Listeners) func()) {
	p.mx.Lock()
	fns := make([]func(), 0, len(p.subs))
	for _, l := range p.subs {
		if fn := pick(l); fn != nil {
			fns = append(fns, fn)
		}
	}
	p.mx.Unlock()

	for _, fn := range fns {
		fn()
	}
}
