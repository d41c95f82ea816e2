package server

import (
	"context"

	"github.com/c360/dserv/datapoint"
	"github.com/c360/dserv/dispatch"
	"github.com/c360/dserv/wire"
)

// pumpBatch bounds how many queued notifications go out in one write.
const pumpBatch = 64

// pump drains sub onto write until the subscriber closes, ctx ends or a
// write fails. Notifications are encoded in the subscriber's current
// format; datapoints that do not fit a fixed frame are skipped.
func pump(ctx context.Context, sub *dispatch.Subscriber, write func([]byte) error, m *Metrics) error {
	var (
		buf   []byte
		batch = make([]*datapoint.Datapoint, 0, pumpBatch)
	)
	for {
		dp, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		batch = append(batch[:0], dp)
		batch = append(batch, sub.Drain(pumpBatch-1)...)

		format := sub.Format()
		buf = buf[:0]
		sent := 0
		for _, d := range batch {
			var ok bool
			buf, ok, err = wire.AppendNotification(buf, d, format)
			if err != nil || !ok {
				m.recordSkipped()
				continue
			}
			sent++
		}
		if sent == 0 {
			continue
		}
		if err := write(buf); err != nil {
			return err
		}
		m.recordSent(sent)
	}
}
