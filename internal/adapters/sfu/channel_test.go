package sfu_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/adapters/sfu"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/proto"
	"github.com/dkeye/huddle/internal/testutil"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type inbound struct {
	Action    string          `json:"action"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

// reply answers one request; a non-empty errMsg turns it into an error.
type reply func(req inbound) (data any, errMsg string, ok bool)

// fakeServer answers requests on conn until the test ends.
type fakeServer struct {
	conn *testutil.FakeConn

	mu   sync.Mutex
	seen []inbound
}

func serve(t *testing.T, conn *testutil.FakeConn, fn reply) *fakeServer {
	s := &fakeServer{conn: conn}
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case <-done:
				return
			case f := <-conn.Outbound():
				var req inbound
				if json.Unmarshal(f, &req) != nil {
					continue
				}
				s.mu.Lock()
				s.seen = append(s.seen, req)
				s.mu.Unlock()
				data, errMsg, ok := fn(req)
				if !ok {
					continue
				}
				resp := map[string]any{"action": req.Action + ":response", "requestId": req.RequestID, "data": data}
				if errMsg != "" {
					resp = map[string]any{"action": req.Action + ":error", "requestId": req.RequestID, "error": errMsg}
				}
				conn.DeliverJSON(resp)
			}
		}
	}()
	return s
}

func (s *fakeServer) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.seen))
	for _, r := range s.seen {
		out = append(out, r.Action)
	}
	return out
}

func open(t *testing.T) (*sfu.Channel, *testutil.FakeDialer, *testutil.FakeConn) {
	t.Helper()
	d := testutil.NewFakeDialer()
	opts := sfu.DefaultOptions()
	opts.Clock = clock.NewMock()
	opts.RequestTimeout = time.Second
	ch := sfu.NewChannel(d, opts)
	t.Cleanup(func() { ch.Leave("room", "me") })
	require.NoError(t, ch.Connect(context.Background(), "wss://sfu.example/ws"))
	var conn *testutil.FakeConn
	select {
	case conn = <-d.Conns:
	case <-time.After(waitFor):
		t.Fatal("no dial")
	}
	require.Eventually(t, func() bool { return ch.State().Status == app.StatusOpen }, waitFor, tick)
	return ch, d, conn
}

func TestChannel_BadEndpoint(t *testing.T) {
	ch := sfu.NewChannel(testutil.NewFakeDialer(), sfu.DefaultOptions())
	assert.ErrorIs(t, ch.Connect(context.Background(), "::"), sfu.ErrBadEndpoint)
}

func TestChannel_RequestNotConnected(t *testing.T) {
	ch := sfu.NewChannel(testutil.NewFakeDialer(), sfu.DefaultOptions())
	_, err := ch.Join(context.Background(), "room", "me")
	assert.ErrorIs(t, err, sfu.ErrChannelClosed)
}

func TestChannel_CorrelatesOutOfOrderResponses(t *testing.T) {
	ch, _, conn := open(t)

	var (
		mu   sync.Mutex
		held []inbound
	)
	serve(t, conn, func(req inbound) (any, string, bool) {
		mu.Lock()
		defer mu.Unlock()
		held = append(held, req)
		if len(held) < 2 {
			return nil, "", false
		}
		// Answer the second request first, then the first.
		for i := len(held) - 1; i >= 0; i-- {
			var body proto.CreateTransportRequest
			_ = json.Unmarshal(held[i].Data, &body)
			conn.DeliverJSON(map[string]any{
				"action":    held[i].Action + ":response",
				"requestId": held[i].RequestID,
				"data":      proto.TransportOptions{TransportID: "t-" + body.Direction},
			})
		}
		return nil, "", false
	})

	var wg sync.WaitGroup
	results := make(map[string]string)
	var rmu sync.Mutex
	for _, dir := range []string{sfu.DirectionSend, sfu.DirectionRecv} {
		wg.Add(1)
		go func(dir string) {
			defer wg.Done()
			opts, err := ch.CreateTransport(context.Background(), dir)
			assert.NoError(t, err)
			rmu.Lock()
			results[dir] = opts.TransportID
			rmu.Unlock()
		}(dir)
	}
	wg.Wait()

	assert.Equal(t, "t-send", results[sfu.DirectionSend])
	assert.Equal(t, "t-recv", results[sfu.DirectionRecv])
}

func TestChannel_ErrorResponse(t *testing.T) {
	ch, _, conn := open(t)
	serve(t, conn, func(inbound) (any, string, bool) { return nil, "router full", true })

	_, err := ch.Produce(context.Background(), "t1", domain.KindAudio, proto.RTPParameters{}, proto.AppData{Type: domain.SourceAudio})

	assert.ErrorIs(t, err, sfu.ErrRequestFailed)
	assert.Contains(t, err.Error(), "router full")
	assert.Contains(t, err.Error(), proto.ActionProduce)
}

func TestChannel_CloseFailsPending(t *testing.T) {
	ch, _, conn := open(t)
	closed := make(chan struct{}, 1)
	ch.OnClose(func() { closed <- struct{}{} })

	errs := make(chan error, 1)
	go func() {
		_, err := ch.Join(context.Background(), "room", "me")
		errs <- err
	}()
	select {
	case <-conn.Outbound():
	case <-time.After(waitFor):
		t.Fatal("join not sent")
	}
	conn.Drop()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, sfu.ErrChannelClosed)
	case <-time.After(waitFor):
		t.Fatal("pending request not failed")
	}
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("close hook not called")
	}
}

func TestChannel_RequestTimeout(t *testing.T) {
	ch, _, _ := open(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ch.Consume(ctx, "t1", "p1", proto.RTPCapabilities{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannel_EventsAndOpenHook(t *testing.T) {
	d := testutil.NewFakeDialer()
	ch := sfu.NewChannel(d, sfu.Options{Clock: clock.NewMock()})
	t.Cleanup(func() { ch.Leave("room", "me") })

	events := make(chan proto.SfuEvent, 4)
	opened := make(chan struct{}, 1)
	ch.OnEvent(func(ev proto.SfuEvent) { events <- ev })
	ch.OnOpen(func() { opened <- struct{}{} })
	require.NoError(t, ch.Connect(context.Background(), "ws://sfu.local"))
	conn := <-d.Conns

	select {
	case <-opened:
	case <-time.After(waitFor):
		t.Fatal("open hook not called")
	}

	conn.DeliverJSON(map[string]any{"action": "somethingElse", "data": map[string]any{}})
	conn.DeliverJSON(map[string]any{"action": "join:response", "requestId": "nobody"})
	conn.DeliverJSON(map[string]any{"action": proto.EventProducerClosed, "data": map[string]any{"producerId": "p9", "peerId": "a"}})

	select {
	case ev := <-events:
		assert.Equal(t, proto.ProducerClosed{ProducerInfo: proto.ProducerInfo{ProducerID: "p9", PeerID: "a"}}, ev)
	case <-time.After(waitFor):
		t.Fatal("event not delivered")
	}
	assert.Empty(t, events)
}

func TestChannel_NotificationsAndLeave(t *testing.T) {
	ch, d, conn := open(t)
	server := serve(t, conn, func(inbound) (any, string, bool) { return nil, "", false })

	require.NoError(t, ch.ResumeConsumer(context.Background(), "c1"))
	require.NoError(t, ch.CloseProducer(context.Background(), "p1"))
	require.Eventually(t, func() bool { return len(server.actions()) == 2 }, waitFor, tick)

	ch.Leave("room", "me")

	assert.True(t, conn.IsClosed())
	assert.Equal(t, []string{proto.ActionResumeConsumer, proto.ActionCloseProducer, proto.ActionLeave}, conn.SentTypes())
	assert.False(t, ch.Resume(), "no resume after leave")
	assert.Equal(t, 1, d.Dials())
	assert.ErrorIs(t, ch.CloseProducer(context.Background(), "p2"), sfu.ErrChannelClosed)
}

type capturingFactory struct {
	*testutil.FakeFactory
	connect core.ConnectFunc
	produce core.ProduceFunc
}

func (f *capturingFactory) NewSendTransport(ctx context.Context, opts proto.TransportOptions, connect core.ConnectFunc, produce core.ProduceFunc) (core.SendTransport, error) {
	f.connect, f.produce = connect, produce
	return f.FakeFactory.NewSendTransport(ctx, opts, connect, produce)
}

func TestChannel_Bootstrap(t *testing.T) {
	ch, _, conn := open(t)
	caps := proto.RTPCapabilities{Codecs: []proto.RTPCodecCapability{{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2}}}
	server := serve(t, conn, func(req inbound) (any, string, bool) {
		switch req.Action {
		case proto.ActionJoin:
			return proto.JoinResponse{
				RTPCapabilities:   caps,
				ExistingProducers: []proto.ProducerInfo{{ProducerID: "p1", PeerID: "a"}},
			}, "", true
		case proto.ActionCreateTransport:
			var body proto.CreateTransportRequest
			_ = json.Unmarshal(req.Data, &body)
			return proto.TransportOptions{TransportID: body.Direction + "-1"}, "", true
		case proto.ActionConnectTransport:
			return map[string]any{}, "", true
		case proto.ActionProduce:
			return proto.ProduceResponse{ProducerID: "mine-1"}, "", true
		}
		return nil, "unexpected", true
	})
	factory := &capturingFactory{FakeFactory: &testutil.FakeFactory{}}

	sess, err := ch.Bootstrap(context.Background(), "room", "me", factory)
	require.NoError(t, err)

	assert.Equal(t, caps, factory.RTPCapabilities())
	assert.Equal(t, caps, sess.RouterCaps)
	assert.Len(t, sess.Existing, 1)
	require.NotNil(t, sess.Send)
	require.NotNil(t, sess.Recv)
	assert.Equal(t, []string{proto.ActionJoin, proto.ActionCreateTransport, proto.ActionCreateTransport}, server.actions())

	require.NoError(t, factory.connect(context.Background(), proto.DTLSParameters{Role: "client"}))
	id, err := factory.produce(context.Background(), domain.KindAudio, proto.RTPParameters{}, proto.AppData{Type: domain.SourceAudio})
	require.NoError(t, err)
	assert.Equal(t, "mine-1", id)
}

func TestChannel_BootstrapJoinRejected(t *testing.T) {
	ch, _, conn := open(t)
	serve(t, conn, func(inbound) (any, string, bool) { return nil, "no such room", true })
	factory := &testutil.FakeFactory{}

	sess, err := ch.Bootstrap(context.Background(), "room", "me", factory)

	assert.Nil(t, sess)
	assert.ErrorIs(t, err, sfu.ErrRequestFailed)
	assert.Nil(t, factory.Send)
}
