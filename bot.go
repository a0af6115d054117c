package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"huddle/internal/mesh"
	"huddle/internal/signalclient"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"
)

type botOptions struct {
	url      string
	room     string
	password string
	user     string
	token    string
	ice      []string
}

func botCommand() *cobra.Command {
	var opts botOptions
	cmd := &cobra.Command{
		Use:         "bot",
		Short:       "Join a room as a virtual participant streaming silence to every peer",
		Annotations: map[string]string{"config": "skip"},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commonRun(nil)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBot(ctx, opts, logger)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "ws://localhost:8080/ws", "relay websocket URL")
	cmd.Flags().StringVar(&opts.room, "room", "", "room id to join")
	cmd.Flags().StringVar(&opts.password, "password", "", "room password for private rooms")
	cmd.Flags().StringVar(&opts.user, "user", "", "user id sent as X-User-Id (header auth)")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token (jwt auth)")
	cmd.Flags().StringSliceVar(&opts.ice, "ice", []string{"stun:stun.l.google.com:19302"}, "ICE server URLs")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

// botIdentity is the user id the relay will assign: the token subject when a
// token is given, else the --user value.
func botIdentity(opts botOptions) (string, error) {
	if opts.token == "" {
		if strings.TrimSpace(opts.user) == "" {
			return "", errors.New("either --user or --token is required")
		}
		return opts.user, nil
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(opts.token, &claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func runBot(ctx context.Context, opts botOptions, logger *slog.Logger) error {
	self, err := botIdentity(opts)
	if err != nil {
		return err
	}

	var iceServers []webrtc.ICEServer
	if len(opts.ice) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: opts.ice}}
	}
	factory, err := mesh.NewPionFactory(iceServers, logger)
	if err != nil {
		return err
	}

	client, err := signalclient.Dial(ctx, signalclient.Config{
		URL:    opts.url,
		Token:  opts.token,
		UserID: opts.user,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	orch := mesh.New(mesh.Config{
		SelfID:   self,
		Factory:  factory,
		Signaler: client,
		Logger:   logger,
		OnLinkState: func(remote string, s mesh.LinkState) {
			logger.Info("peer link", "remote", remote, "state", s.String())
		},
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	orchDone := make(chan struct{})
	go func() {
		defer close(orchDone)
		orch.Run(ctx)
	}()
	defer func() {
		cancel()
		<-orchDone
	}()

	track, err := mesh.NewSilentAudioTrack("audio-"+self, "huddle-bot")
	if err != nil {
		return fmt.Errorf("create track: %w", err)
	}
	if err := orch.SetLocalTracks([]mesh.Track{track}); err != nil {
		return err
	}
	go func() {
		if err := mesh.StreamSilence(ctx, track); err != nil {
			logger.Warn("silence stream stopped", "err", err)
		}
	}()

	if err := client.Join(opts.room, opts.password); err != nil {
		return err
	}
	logger.Info("bot connected", "user", self, "room", opts.room)

	err = client.Run(ctx, orch)
	if ctx.Err() != nil {
		logger.Info("bot disconnected", "user", self)
		return nil
	}
	return err
}
