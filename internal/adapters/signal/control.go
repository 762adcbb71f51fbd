package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/proto"
)

func (c *Channel) keepalive(gen uint64) {
	if !c.link.Current(gen) {
		return
	}
	c.mu.Lock()
	c.ping = c.opts.Clock.AfterFunc(c.opts.PingPeriod, func() { c.keepalive(gen) })
	c.mu.Unlock()

	if err := c.Send(proto.Control{Type: proto.TypePing}); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("ping not queued")
	}
}

func (c *Channel) resendState(gen uint64) {
	if !c.link.Current(gen) {
		return
	}
	if err := c.SendState(); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("state resend failed")
	}
}

// SendState reports the full local intent.
func (c *Channel) SendState() error {
	c.mu.Lock()
	peer := c.identity.PeerID
	c.mu.Unlock()
	return c.Send(proto.NewStateChange(peer, c.intent.Intent()))
}

func (c *Channel) SendChat(message string) error {
	if !c.limiter.Allow(proto.TypeChat) {
		return ErrRateLimited
	}
	return c.Send(proto.ChatOut{Type: proto.TypeChat, Message: message})
}

func (c *Channel) SendReaction(emoji string) error {
	if !c.limiter.Allow(proto.TypeReaction) {
		return ErrRateLimited
	}
	return c.Send(proto.ReactionOut{Type: proto.TypeReaction, Emoji: emoji})
}
