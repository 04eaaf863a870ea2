package rabbitmq

import (
	"time"
)

// heartbeater calls tick on a fixed interval until stopped. It never waits
// on a reply; tick only enqueues work for the connection actor.
type heartbeater struct {
	stopCh chan struct{}
	done   chan struct{}
}

func startHeartbeat(interval time.Duration, tick func()) *heartbeater {
	h := &heartbeater{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				tick()
			case <-h.stopCh:
				return
			}
		}
	}()
	return h
}

// stop ends the ticker and waits for the loop to exit. Safe on nil.
func (h *heartbeater) stop() {
	if h == nil {
		return
	}
	select {
	case <-h.stopCh:
	default:
		close(h.stopCh)
	}
	<-h.done
}
