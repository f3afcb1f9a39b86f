package nats

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	natsgo "github.com/nats-io/nats.go"
)

// fakeServer is an in-memory stand-in for a NATS server. Each dial returns a
// fakeConn attached to it.
type fakeServer struct {
	mu        sync.Mutex
	dials     int
	dialErr   error
	opts      natsgo.Options
	conns     []*fakeConn
	published []*natsgo.Msg
	responder func(*natsgo.Msg) *natsgo.Msg
}

func newFakeServer() *fakeServer {
	return &fakeServer{}
}

func (s *fakeServer) dial(url string, opts ...natsgo.Option) (conn, error) {
	o := natsgo.GetDefaultOptions()
	o.Url = url
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	s.opts = o
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	c := &fakeConn{srv: s, onDisconnect: o.DisconnectedErrCB}
	s.conns = append(s.conns, c)
	return c, nil
}

func (s *fakeServer) setDialErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErr = err
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *fakeServer) options() natsgo.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

func (s *fakeServer) lastPublished() *natsgo.Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.published) == 0 {
		return nil
	}
	return s.published[len(s.published)-1]
}

// subscriberCount returns the number of live subscriptions across all conns.
func (s *fakeServer) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conns {
		if c.closed {
			continue
		}
		for _, sub := range c.subs {
			if !sub.closed {
				n++
			}
		}
	}
	return n
}

// subjects returns the subject of every live subscription.
func (s *fakeServer) subjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.conns {
		if c.closed {
			continue
		}
		for _, sub := range c.subs {
			if !sub.closed {
				out = append(out, sub.subject)
			}
		}
	}
	return out
}

// dropAll severs every open connection and reports it as a disconnect.
func (s *fakeServer) dropAll() {
	s.mu.Lock()
	var dropped []*fakeConn
	for _, c := range s.conns {
		if !c.closed {
			c.closed = true
			dropped = append(dropped, c)
		}
	}
	s.mu.Unlock()

	for _, c := range dropped {
		if c.onDisconnect != nil {
			c.onDisconnect(nil, io.EOF)
		}
	}
}

// route delivers msg to every plain subscriber and one member of each queue
// group. Callers hold s.mu.
func (s *fakeServer) route(msg *natsgo.Msg) {
	groups := make(map[string]bool)
	for _, c := range s.conns {
		if c.closed {
			continue
		}
		for _, sub := range c.subs {
			if sub.closed || !subjectMatches(sub.subject, msg.Subject) {
				continue
			}
			if sub.queue != "" {
				if groups[sub.queue] {
					continue
				}
				groups[sub.queue] = true
			}
			sub.ch <- msg
		}
	}
}

func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) || (p != "*" && p != st[i]) {
			return false
		}
	}
	return len(pt) == len(st)
}

type fakeConn struct {
	srv          *fakeServer
	onDisconnect natsgo.ConnErrHandler
	subs         []*fakeSub
	closed       bool
	flushErr     error
}

type fakeSub struct {
	srv     *fakeServer
	subject string
	queue   string
	ch      chan *natsgo.Msg
	closed  bool
}

func (s *fakeSub) Unsubscribe() error {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if s.closed {
		return natsgo.ErrBadSubscription
	}
	s.closed = true
	return nil
}

func (c *fakeConn) subscribe(subject, queue string, ch chan *natsgo.Msg) (subscription, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.closed {
		return nil, natsgo.ErrConnectionClosed
	}
	sub := &fakeSub{srv: c.srv, subject: subject, queue: queue, ch: ch}
	c.subs = append(c.subs, sub)
	return sub, nil
}

func (c *fakeConn) publish(msg *natsgo.Msg) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.closed {
		return natsgo.ErrConnectionClosed
	}
	c.srv.published = append(c.srv.published, msg)
	c.srv.route(msg)
	return nil
}

func (c *fakeConn) request(ctx context.Context, msg *natsgo.Msg) (*natsgo.Msg, error) {
	c.srv.mu.Lock()
	if c.closed {
		c.srv.mu.Unlock()
		return nil, natsgo.ErrConnectionClosed
	}
	c.srv.published = append(c.srv.published, msg)
	responder := c.srv.responder
	c.srv.mu.Unlock()

	if responder != nil {
		if reply := responder(msg); reply != nil {
			return reply, nil
		}
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *fakeConn) flush(ctx context.Context) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.closed {
		return natsgo.ErrConnectionClosed
	}
	return c.flushErr
}

func (c *fakeConn) drain(context.Context) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.closed {
		return natsgo.ErrConnectionClosed
	}
	c.closed = true
	return nil
}

var errDial = errors.New("connection refused")
