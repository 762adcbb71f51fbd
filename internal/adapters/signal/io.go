package signal

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/proto"
)

func (c *Channel) dispatch(data core.Frame) {
	msg, err := proto.DecodeSignal(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad inbound message")
		return
	}
	switch m := msg.(type) {
	case proto.Pong:
		return
	case proto.Unknown:
		log.Debug().Str("module", "signal").Str("type", m.Type).Msg("unknown signal")
		return
	}

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

// Send marshals v and queues it on the open socket.
func (c *Channel) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.link.Send(b); err != nil {
		if errors.Is(err, core.ErrConnClosed) {
			return ErrNotConnected
		}
		return err
	}
	return nil
}

func mustJSON(v any) core.Frame {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
