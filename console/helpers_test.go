package console

import (
	"time"

	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

var fastTimings = bootstrapTimings{
	probeTimeout:   100 * time.Millisecond,
	envTimeout:     50 * time.Millisecond,
	retryTimeout:   50 * time.Millisecond,
	finalTimeout:   100 * time.Millisecond,
	interruptPause: time.Millisecond,
	retryPause:     5 * time.Millisecond,
	finalPause:     5 * time.Millisecond,
	settlePause:    time.Millisecond,
}

func withTimings(t bootstrapTimings) Option {
	return func(c *Client) {
		c.timings = t
	}
}

func testOptions(extra ...Option) []Option {
	return append([]Option{
		WithLogger(log.Desugar()),
		WithSettleDelay(time.Millisecond),
		WithReconnectBackoff(20 * time.Millisecond),
		withTimings(fastTimings),
	}, extra...)
}
