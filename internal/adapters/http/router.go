package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/adapters/rtc"
	"github.com/dkeye/huddle/internal/adapters/signal"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/media"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

// Session is the part of the orchestrator the control API drives.
type Session interface {
	Participants() []domain.Participant
	Focus() app.Focus
	State() orch.State
	ChatMessages() []domain.ChatMessage
	SendChat(text string) error
	SendReaction(emoji string) error
	ToggleMic() (bool, error)
	ToggleCam() (bool, error)
	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error
	Pin(id domain.PeerID) error
	Unpin()
	OnVisible()
	OnHidden()
	EnterPictureInPicture()
	ExitPictureInPicture()
	Leave()
}

// LevelSource reports inbound audio per peer.
type LevelSource interface {
	Levels() map[domain.PeerID]rtc.AudioLevel
}

type ChatRequest struct {
	Message string `json:"message" binding:"required"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

type ToggleRequest struct {
	Visible *bool `json:"visible"`
	Active  *bool `json:"active"`
}

type participantView struct {
	domain.Participant
	StreamID       string `json:"streamId,omitempty"`
	ScreenStreamID string `json:"screenStreamId,omitempty"`
}

type focusView struct {
	app.Focus
	StreamID string `json:"streamId,omitempty"`
}

func SetupRouter(cfg *config.Config, s Session, levels LevelSource) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	log.Info().Str("module", "adapters.http").Str("addr", cfg.ControlAddr).Msg("router setup")

	api := r.Group("/api")

	api.GET("/participants", func(c *gin.Context) {
		list := s.Participants()
		out := make([]participantView, 0, len(list))
		for _, p := range list {
			out = append(out, participantView{Participant: p, StreamID: p.Stream.ID(), ScreenStreamID: p.ScreenStream.ID()})
		}
		c.JSON(http.StatusOK, out)
	})
	api.GET("/focus", func(c *gin.Context) {
		f := s.Focus()
		c.JSON(http.StatusOK, focusView{Focus: f, StreamID: f.Stream.ID()})
	})
	api.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.State())
	})

	if levels != nil {
		api.GET("/audio", func(c *gin.Context) {
			c.JSON(http.StatusOK, levels.Levels())
		})
	}

	api.GET("/chat", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.ChatMessages())
	})
	api.POST("/chat", func(c *gin.Context) {
		var req ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid message"})
			return
		}
		if err := s.SendChat(req.Message); err != nil {
			abort(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
	api.POST("/reaction", func(c *gin.Context) {
		var req ReactionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid emoji"})
			return
		}
		if err := s.SendReaction(req.Emoji); err != nil {
			abort(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/mic/toggle", func(c *gin.Context) {
		muted, err := s.ToggleMic()
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"muted": muted})
	})
	api.POST("/cam/toggle", func(c *gin.Context) {
		off, err := s.ToggleCam()
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cameraOff": off})
	})
	api.POST("/screen/start", func(c *gin.Context) {
		if err := s.StartScreenShare(c.Request.Context()); err != nil {
			abort(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
	api.POST("/screen/stop", func(c *gin.Context) {
		if err := s.StopScreenShare(c.Request.Context()); err != nil {
			abort(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/pin/:id", func(c *gin.Context) {
		if err := s.Pin(domain.PeerID(c.Param("id"))); err != nil {
			abort(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
	api.DELETE("/pin", func(c *gin.Context) {
		s.Unpin()
		c.Status(http.StatusNoContent)
	})

	api.POST("/visibility", func(c *gin.Context) {
		var req ToggleRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Visible == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing visible"})
			return
		}
		if *req.Visible {
			s.OnVisible()
		} else {
			s.OnHidden()
		}
		c.Status(http.StatusNoContent)
	})
	api.POST("/pip", func(c *gin.Context) {
		var req ToggleRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Active == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing active"})
			return
		}
		if *req.Active {
			s.EnterPictureInPicture()
		} else {
			s.ExitPictureInPicture()
		}
		c.Status(http.StatusNoContent)
	})
	api.POST("/leave", func(c *gin.Context) {
		s.Leave()
		c.Status(http.StatusNoContent)
	})

	return r
}

func abort(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, app.ErrUnknownParticipant):
		status = http.StatusNotFound
	case errors.Is(err, signal.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, orch.ErrEmptyMessage), errors.Is(err, orch.ErrBadReaction):
		status = http.StatusBadRequest
	case errors.Is(err, media.ErrAlreadySharing):
		status = http.StatusConflict
	case errors.Is(err, media.ErrTransportNotReady), errors.Is(err, signal.ErrNotConnected):
		status = http.StatusServiceUnavailable
	}
	log.Warn().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Int("status", status).Msg("request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}
