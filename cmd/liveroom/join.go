package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dkeye/liveroom/internal/adapters/capture"
	"github.com/dkeye/liveroom/internal/adapters/rtc"
	sigchan "github.com/dkeye/liveroom/internal/adapters/signal"
	"github.com/dkeye/liveroom/internal/app/orch"
	"github.com/dkeye/liveroom/internal/config"
	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/dkeye/liveroom/internal/relay"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type joinFlags struct {
	room  string
	token string
	video string
	audio string
	url   string
}

func joinCmd(g *globalFlags) *cobra.Command {
	var f joinFlags
	cmd := &cobra.Command{
		Use:          "join",
		Short:        "join a room and publish the configured media sources",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), g.cfg, f)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.room, "room", "", "session id")
	fs.StringVarP(&f.token, "token", "t", "", "join token issued by the relay")
	fs.StringVar(&f.video, "video", "", "IVF video source, overrides media.video_source")
	fs.StringVar(&f.audio, "audio", "", "Ogg/Opus audio source, overrides media.audio_source")
	fs.StringVar(&f.url, "url", "", "relay websocket url, overrides client.signal_url")
	_ = cmd.MarkFlagRequired("room")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func override(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func runJoin(parent context.Context, cfg *config.Config, f joinFlags) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	claims, err := relay.PeekClaims(f.token)
	if err != nil {
		return err
	}
	uid, role, err := claims.Identity()
	if err != nil {
		return err
	}

	connector, err := rtc.NewConnector(rtc.Options{ICEServers: cfg.Client.ICEServers})
	if err != nil {
		return err
	}
	o := orch.New(orch.Config{
		Self: domain.NewParticipant(uid, role),
		Channel: sigchan.NewChannel(sigchan.Options{
			URL:        override(f.url, cfg.Client.SignalURL),
			PingPeriod: cfg.PingPeriod,
			ReadLimit:  cfg.ReadLimit,
		}),
		Capturer: capture.New(capture.Source{
			Video: override(f.video, cfg.Media.VideoSource),
			Audio: override(f.audio, cfg.Media.AudioSource),
		}),
		Connector: connector,
		Constraints: core.Constraints{
			Video: core.VideoConstraints{
				MinWidth:  cfg.Media.Width,
				MinHeight: cfg.Media.Height,
				FrameRate: cfg.Media.FrameRate,
			},
			Audio: core.AudioConstraints{EchoCancellation: cfg.Media.EchoCancellation},
		},
		ConnectTimeout: cfg.Client.ConnectTimeout,
		MaxPeers:       cfg.Client.MaxPeers,
		EventBuffer:    cfg.Client.EventBuffer,
	})

	if err := o.Join(ctx, domain.SessionID(f.room), f.token); err != nil {
		return errors.New(domain.UserMessage(err))
	}
	log.Info().
		Str("user", string(uid)).
		Str("role", string(role)).
		Str("room", f.room).
		Int("participants", len(o.Roster())).
		Msg("joined room")

	go func() {
		<-ctx.Done()
		o.Leave()
	}()

	for {
		select {
		case ev := <-o.Events():
			logEvent(ev)
		case <-o.Done():
			if err := o.Err(); err != nil && !errors.Is(err, domain.ErrSessionEnded) {
				return errors.New(domain.UserMessage(err))
			}
			fmt.Println(domain.UserMessage(o.Err()))
			return nil
		}
	}
}

func logEvent(ev orch.Event) {
	e := log.Info()
	if ev.Kind == orch.EventWarning || ev.Kind == orch.EventLinkFailed {
		e = log.Warn().Str("reason", domain.UserMessage(ev.Err))
	}
	e = e.Str("event", ev.Kind.String())
	if ev.UserID != "" {
		e = e.Str("user", string(ev.UserID))
	}
	switch ev.Kind {
	case orch.EventStateChanged:
		e = e.Str("state", ev.State.String())
	case orch.EventMediaToggled:
		e = e.Bool("audio", ev.Participant.MediaState.AudioEnabled).
			Bool("video", ev.Participant.MediaState.VideoEnabled)
	case orch.EventStreamAdded:
		if ev.Stream != nil {
			e = e.Str("stream", ev.Stream.ID())
		}
	}
	e.Err(ev.Err).Msg("session event")
}
