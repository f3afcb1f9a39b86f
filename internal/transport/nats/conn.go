package nats

import (
	"context"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

// conn is the part of *natsgo.Conn the transport uses.
type conn interface {
	subscribe(subject, queue string, ch chan *natsgo.Msg) (subscription, error)
	publish(msg *natsgo.Msg) error
	request(ctx context.Context, msg *natsgo.Msg) (*natsgo.Msg, error)
	flush(ctx context.Context) error
	drain(ctx context.Context) error
}

// subscription is the part of *natsgo.Subscription the transport uses.
type subscription interface {
	Unsubscribe() error
}

// dialFunc opens a NATS connection.
type dialFunc func(url string, opts ...natsgo.Option) (conn, error)

func dialNATS(url string, opts ...natsgo.Option) (conn, error) {
	nc, err := natsgo.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return natsConn{nc: nc}, nil
}

// natsConn adapts *natsgo.Conn to conn.
type natsConn struct {
	nc *natsgo.Conn
}

func (c natsConn) subscribe(subject, queue string, ch chan *natsgo.Msg) (subscription, error) {
	var (
		sub *natsgo.Subscription
		err error
	)
	if queue != "" {
		sub, err = c.nc.ChanQueueSubscribe(subject, queue, ch)
	} else {
		sub, err = c.nc.ChanSubscribe(subject, ch)
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (c natsConn) publish(msg *natsgo.Msg) error {
	return c.nc.PublishMsg(msg)
}

func (c natsConn) request(ctx context.Context, msg *natsgo.Msg) (*natsgo.Msg, error) {
	return c.nc.RequestMsgWithContext(ctx, msg)
}

func (c natsConn) flush(ctx context.Context) error {
	return c.nc.FlushWithContext(ctx)
}

// drain lets in-flight messages finish, then closes. A connection that
// does not close before ctx ends is closed outright.
func (c natsConn) drain(ctx context.Context) error {
	if c.nc.IsClosed() {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return err
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !c.nc.IsClosed() {
		select {
		case <-ctx.Done():
			c.nc.Close()
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
