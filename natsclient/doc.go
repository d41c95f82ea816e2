// Package natsclient wraps a NATS connection for the datapoint mirror.
//
// The client tracks its connection state, opens a circuit after repeated
// connect failures and retries once the backoff has elapsed. Publishing
// fails fast with ErrNotConnected while the connection is down so that
// callers never block the datapoint path on the broker.
//
//	c, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("dserv"),
//	    natsclient.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := c.Connect(ctx); err != nil {
//	    return err
//	}
//	defer c.Close(ctx)
package natsclient
