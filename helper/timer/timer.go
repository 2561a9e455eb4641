package timer

import (
	"math/rand"
	"time"

	"github.com/lthibault/jitterbug"

	log "github.com/sirupsen/logrus"
)

type Interval struct {
	Duration time.Duration
	Jitter   time.Duration
}

type tickerJitter struct {
	MaxJitter time.Duration
}

func (j tickerJitter) Jitter(d time.Duration) time.Duration {
	if j.MaxJitter >= d {
		log.Fatal("tickerJitter: MaxJitter is greater than duration")
	}

	if j.MaxJitter == 0 {
		return d
	}

	return d + (time.Duration(rand.Int63n(int64(2*j.MaxJitter))) - j.MaxJitter)
}

// NewTicker creates a jittered ticker for the interval. The caller owns the
// ticker and must Stop it.
func (i *Interval) NewTicker() *jitterbug.Ticker {
	return jitterbug.New(i.Duration, &tickerJitter{MaxJitter: i.Jitter})
}
