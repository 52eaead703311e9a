package viewer

// Player is a local media surface the engine keeps in sync.
//
// Notifications are delivered for programmatic changes too,
// this is the echo the engine suppresses. Implementations must not hold
// locks needed by Position while invoking listeners.
type Player interface {
	Position() float64
	Seek(t float64) error
	Play() error
	Pause() error
	Subscribe(l Listeners) Subscription
}

// Listeners are playback notifications, nil ones are skipped.
type Listeners struct {
	OnPlay   func()
	OnPause  func()
	OnSeeked func()
}

// Subscription detaches every listener registered with one Subscribe call.
type Subscription interface {
	Unsubscribe()
}

type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() {
	f()
}
