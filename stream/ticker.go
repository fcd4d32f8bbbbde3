package stream

import "time"

// ticker abstracts time.Ticker so tests can inject a fake clock.
type ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

var _ ticker = (*timeTicker)(nil)

func (t *timeTicker) C() <-chan time.Time { return t.ticker.C }
func (t *timeTicker) Stop()               { t.ticker.Stop() }

var newHeartbeatTicker = func(d time.Duration) ticker {
	return &timeTicker{ticker: time.NewTicker(d)}
}
