package territory

import (
	"context"
	"sync"
	"time"
)

// Autosaver persists the registry shortly after changes settle and on a fixed interval.
type Autosaver struct {
	reg      *Registry
	debounce time.Duration
	interval time.Duration

	flush chan chan error
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewAutosaver starts the save loop. debounce <= 0 saves on every change notification;
// interval <= 0 disables the periodic save.
func NewAutosaver(reg *Registry, debounce, interval time.Duration) *Autosaver {
	a := &Autosaver{
		reg:      reg,
		debounce: debounce,
		interval: interval,
		flush:    make(chan chan error, 8),
		stop:     make(chan struct{}),
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *Autosaver) loop() {
	defer a.wg.Done()

	var tick <-chan time.Time
	if a.interval > 0 {
		t := time.NewTicker(a.interval)
		defer t.Stop()
		tick = t.C
	}
	var timer *time.Timer
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
	}

	for {
		changed := a.reg.Changed()
		var timerCh <-chan time.Time
		if timer != nil {
			timerCh = timer.C
		}
		select {
		case <-a.stop:
			stopTimer()
			_ = a.saveIfDirty()
			return
		case <-changed:
			if a.debounce <= 0 {
				_ = a.saveIfDirty()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(a.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(a.debounce)
			}
		case ack := <-a.flush:
			stopTimer()
			ack <- a.saveIfDirty()
		case <-timerCh:
			timer = nil
			_ = a.saveIfDirty()
		case <-tick:
			_ = a.saveIfDirty()
		}
	}
}

func (a *Autosaver) saveIfDirty() error {
	if !a.reg.Dirty() {
		return nil
	}
	return a.reg.Save()
}

// Flush saves now if there are unsaved changes and waits for the result.
func (a *Autosaver) Flush(ctx context.Context) error {
	ack := make(chan error, 1)
	select {
	case a.flush <- ack:
	case <-a.stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop after a final save.
func (a *Autosaver) Close() {
	a.once.Do(func() {
		close(a.stop)
		a.wg.Wait()
	})
}
