package amps

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-bus/internal/transport"
)

// fakeServer is an in-test AMPS broker speaking the JSON WebSocket protocol.
type fakeServer struct {
	srv *httptest.Server

	mu          sync.Mutex
	clients     map[*fakeClient]struct{}
	sow         map[string][]string
	subs        map[string]fakeSub
	commands    []Header
	rejectLogon bool
	seq         int
}

type fakeSub struct {
	client *fakeClient
	topic  string
}

type fakeClient struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *fakeClient) write(h Header, body string) {
	frame, _ := encodeFrame(h, []byte(body))
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, frame)
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	s := &fakeServer{
		clients: make(map[*fakeClient]struct{}),
		sow:     make(map[string][]string),
		subs:    make(map[string]fakeSub),
	}
	upgrader := websocket.Upgrader{Subprotocols: []string{"amps"}}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.serve(&fakeClient{ws: ws})
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *fakeServer) serve(c *fakeClient) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		for id, sub := range s.subs {
			if sub.client == c {
				delete(s.subs, id)
			}
		}
		s.mu.Unlock()
		_ = c.ws.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := decodeFrame(data)
		if err != nil {
			continue
		}
		s.handle(c, msg)
	}
}

func (s *fakeServer) handle(c *fakeClient, msg *Message) {
	h := msg.Header
	s.mu.Lock()
	s.commands = append(s.commands, h)
	s.mu.Unlock()

	ack := func(ackType string, extra Header) {
		extra.Command = cmdAck
		extra.CommandID = h.CommandID
		extra.AckType = ackType
		if extra.Status == "" {
			extra.Status = "success"
		}
		c.write(extra, "")
	}

	switch h.Command {
	case cmdLogon:
		s.mu.Lock()
		reject := s.rejectLogon
		s.mu.Unlock()
		if reject {
			ack(ackProcessed, Header{Status: statusFailure, Reason: "auth failure"})
			return
		}
		ack(ackProcessed, Header{})

	case cmdSubscribe, cmdDeltaSubscribe:
		s.mu.Lock()
		s.subs[h.SubID] = fakeSub{client: c, topic: h.Topic}
		s.mu.Unlock()
		ack(ackProcessed, Header{})

	case cmdSOWAndSubscribe:
		ack(ackProcessed, Header{})
		s.mu.Lock()
		records := append([]string(nil), s.sow[h.Topic]...)
		s.subs[h.SubID] = fakeSub{client: c, topic: h.Topic}
		s.mu.Unlock()
		c.write(Header{Command: cmdGroupBegin, QueryID: h.QueryID, SubID: h.SubID}, "")
		for i, body := range records {
			c.write(Header{Command: cmdSOW, Topic: h.Topic, SubID: h.SubID, QueryID: h.QueryID, SOWKey: strconv.Itoa(i)}, body)
		}
		c.write(Header{Command: cmdGroupEnd, QueryID: h.QueryID, SubID: h.SubID}, "")

	case cmdSOW:
		s.mu.Lock()
		records := append([]string(nil), s.sow[h.Topic]...)
		s.mu.Unlock()
		c.write(Header{Command: cmdGroupBegin, QueryID: h.QueryID}, "")
		for i, body := range records {
			c.write(Header{Command: cmdSOW, Topic: h.Topic, QueryID: h.QueryID, SOWKey: strconv.Itoa(i)}, body)
		}
		c.write(Header{Command: cmdGroupEnd, QueryID: h.QueryID}, "")
		ack(ackCompleted, Header{})

	case cmdSOWDelete:
		s.mu.Lock()
		n := len(s.sow[h.Topic])
		delete(s.sow, h.Topic)
		s.mu.Unlock()
		ack(ackStats, Header{Deleted: flexInt(n), Matches: flexInt(n)})

	case cmdUnsubscribe:
		s.mu.Lock()
		delete(s.subs, h.SubID)
		s.mu.Unlock()
		ack(ackProcessed, Header{})

	case cmdPublish, cmdP:
		s.publish(h.Topic, string(msg.Body))
	}
}

// publish stores body in the SOW and fans it out to matching subscriptions.
func (s *fakeServer) publish(topic, body string) {
	s.mu.Lock()
	s.sow[topic] = append(s.sow[topic], body)
	s.seq++
	bm := strconv.Itoa(s.seq)
	type target struct {
		client *fakeClient
		subID  string
	}
	var targets []target
	for id, sub := range s.subs {
		if transport.Matches(sub.topic, topic) {
			targets = append(targets, target{sub.client, id})
		}
	}
	s.mu.Unlock()

	for _, tg := range targets {
		tg.client.write(Header{Command: cmdP, Topic: topic, SubID: tg.subID, Bookmark: bm}, body)
	}
}

// broadcast writes a publish with no subscription id to every client.
func (s *fakeServer) broadcast(topic, body string) {
	s.mu.Lock()
	clients := make([]*fakeClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.write(Header{Command: cmdP, Topic: topic}, body)
	}
}

func (s *fakeServer) seed(topic string, bodies ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sow[topic] = append(s.sow[topic], bodies...)
}

// dropAll closes every client socket without a close handshake.
func (s *fakeServer) dropAll() {
	s.mu.Lock()
	clients := make([]*fakeClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		_ = c.ws.UnderlyingConn().Close()
	}
}

func (s *fakeServer) count(command string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.commands {
		if h.Command == command {
			n++
		}
	}
	return n
}

func (s *fakeServer) last(command string) (Header, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.commands) - 1; i >= 0; i-- {
		if s.commands[i].Command == command {
			return s.commands[i], true
		}
	}
	return Header{}, false
}
