package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/PetertheMD/nautune-sub003/apiclient"
	"github.com/PetertheMD/nautune-sub003/session"
	"github.com/PetertheMD/nautune-sub003/transport"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("syncplay", pflag.ContinueOnError)

	var (
		serverURL = fs.StringP("server", "s", "", "server base url (or SYNCPLAY_SERVER)")
		token     = fs.StringP("token", "t", "", "access token (or SYNCPLAY_TOKEN)")
		groupID   = fs.StringP("group", "g", "", "group to join; empty lists groups")
		groupName = fs.StringP("create", "c", "", "create a group with this name instead of joining")
		deviceID  = fs.StringP("device-id", "d", "", "device id (generated when empty)")
		userID    = fs.String("user-id", "", "local user id")
		username  = fs.String("username", "", "local username")
		logLevel  = fs.StringP("log-level", "l", "debug", "log level")
		dump      = fs.BoolP("verbose-dump", "v", false, "spew-dump session updates")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	if err := godotenv.Load(); err == nil {
		logger.Debug().Msg("loaded .env")
	}
	if *serverURL == "" {
		*serverURL = os.Getenv("SYNCPLAY_SERVER")
	}
	if *token == "" {
		*token = os.Getenv("SYNCPLAY_TOKEN")
	}
	if *serverURL == "" || *token == "" {
		logger.Fatal().Msg("server url and token are required")
	}
	if *deviceID == "" {
		*deviceID = uuid.NewString()
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	api := apiclient.New(apiclient.Config{
		Logger:      &logger,
		BaseURL:     *serverURL,
		AccessToken: *token,
		DeviceID:    *deviceID,
	})
	conn, err := transport.New(transport.Config{
		Logger:      &logger,
		BaseURL:     *serverURL,
		AccessToken: *token,
		DeviceID:    *deviceID,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build transport")
	}
	engine, err := session.New(session.Config{
		Logger:    &logger,
		API:       api,
		Transport: conn,
		Identity: session.Identity{
			UserID:   *userID,
			Username: *username,
			DeviceID: *deviceID,
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build engine")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- engine.Run(ctx)
	}()

	go func() {
		switch {
		case *groupName != "":
			if err := engine.CreateGroup(ctx, *groupName); err != nil {
				logger.Error().Err(err).Msg("failed to create group")
			}
		case *groupID != "":
			if err := engine.JoinGroup(ctx, *groupID); err != nil {
				logger.Error().Err(err).Msg("failed to join group")
			}
		default:
			groups, err := api.ListGroups(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("failed to list groups")
				return
			}
			for _, g := range groups {
				logger.Info().
					Str("groupID", g.GroupID).
					Str("groupName", g.GroupName).
					Str("state", g.State).
					Msg("group available")
			}
		}
	}()

RunLoop:
	for {
		select {
		case err = <-errc:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("engine stopped unexpectedly")
			}
			break RunLoop
		case <-ctx.Done():
			logger.Warn().Msg("interrupted")
			break RunLoop
		case cmd := <-engine.Commands():
			logger.Info().
				Str("kind", string(cmd.Kind)).
				Int64("ticks", cmd.PositionTicks).
				Int("track", cmd.TrackIndex).
				Msg("player command")
		case u := <-engine.Updates():
			if *dump {
				spew.Dump(u)
				continue
			}
			logger.Info().
				Bool("active", u.Active).
				Str("quality", string(u.Quality)).
				Bool("reconnecting", u.Reconnect.IsReconnecting).
				Int("queue", len(u.Session.Queue)).
				Int("participants", len(u.Session.Group.Participants)).
				Msg("session update")
		case d := <-engine.Drift():
			logger.Debug().Int64("expectedTicks", d.ExpectedTicks).Msg("drift check")
		}
	}
	cancel()
}
