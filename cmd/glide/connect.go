package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"time"

	"github.com/cfoust/glide/pkg/auth"
	"github.com/cfoust/glide/pkg/batch"
	"github.com/cfoust/glide/pkg/config"
	"github.com/cfoust/glide/pkg/geom"
	"github.com/cfoust/glide/pkg/prediction"
	"github.com/cfoust/glide/pkg/prefs"
	"github.com/cfoust/glide/pkg/session"
	"github.com/cfoust/glide/pkg/timer"
	"github.com/cfoust/glide/pkg/transport"

	"github.com/rs/zerolog/log"
)

const (
	FRAME_INTERVAL  = 16 * time.Millisecond
	STATUS_INTERVAL = 5 * time.Second
	// The scripted player walks a circle of this radius
	CIRCLE_RADIUS = 10.0
	CIRCLE_PERIOD = 8 * time.Second
)

func dialer(client config.Client) session.Dialer {
	return func(ctx context.Context, token string) (transport.Room, error) {
		ctx, cancel := context.WithTimeout(ctx, client.ConnectTimeout)
		defer cancel()

		switch client.Transport {
		case "ws":
			room, err := transport.DialWS(ctx, client.Server, transport.WSOptions{
				Token:        token,
				WriteTimeout: client.WriteTimeout,
			})
			if err != nil {
				return nil, err
			}
			return room, nil
		default:
			room, err := transport.DialStream(ctx, client.Server, transport.StreamOptions{
				Protocol:       client.Transport,
				ConnectTimeout: client.ConnectTimeout,
				WriteTimeout:   client.WriteTimeout,
			})
			if err != nil {
				return nil, err
			}
			return room, nil
		}
	}
}

func tokenSource(client config.Client) *auth.TokenSource {
	switch {
	case client.TokenURL != "":
		return auth.NewTokenSource(auth.HTTPFetcher(client.TokenURL), timer.System, log.Logger)
	case client.Token != "":
		return auth.NewTokenSource(auth.StaticFetcher(client.Token), timer.System, log.Logger)
	default:
		return nil
	}
}

// circle is the scripted input: a steady walk around the origin.
func circle(elapsed time.Duration) prediction.Input {
	angle := 2 * math.Pi * elapsed.Seconds() / CIRCLE_PERIOD.Seconds()
	return prediction.Input{
		Position: geom.NewVector(
			CIRCLE_RADIUS*math.Cos(angle),
			0,
			CIRCLE_RADIUS*math.Sin(angle),
		),
		Rotation: angle,
	}
}

func connectCommand(configs []string) error {
	config, err := config.Process(configs)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := prefs.Open(config.Prefs)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := session.New(
		ctx,
		config.Session(),
		dialer(config.Client),
		store,
		tokenSource(config.Client),
		timer.System,
		log.Logger,
	)

	notices := client.Subscribe()
	defer notices.Done()

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)

	frames := time.NewTicker(FRAME_INTERVAL)
	defer frames.Stop()

	status := time.NewTicker(STATUS_INTERVAL)
	defer status.Stop()

	start := time.Now()
	for {
		select {
		case sig := <-sigs:
			log.Info().Msgf("terminating: %v", sig)
			return nil
		case notice := <-notices.Recv():
			log.Info().Str("notice", notice.String()).Msg("session")
			switch notice.Kind {
			case session.NoticeFailed:
				return fmt.Errorf("gave up reconnecting")
			case session.NoticeClosed:
				return nil
			}
		case <-status.C:
			current := client.Status()
			log.Info().
				Bool("connected", current.Connected).
				Str("tier", current.Tier.String()).
				Dur("latency", current.Latency).
				Dur("jitter", current.Jitter).
				Float64("confidence", current.Confidence).
				Uint64("rollbacks", current.Stats.Rollbacks).
				Int("queued", current.Reconnect.Queued).
				Msg("status")
		case now := <-frames.C:
			input := circle(now.Sub(start))
			input.Timestamp = now.UnixMilli()
			client.Move(input)
			client.Tick()

			// An occasional one-shot action
			if now.Sub(start)%CIRCLE_PERIOD < FRAME_INTERVAL {
				client.Act(session.SKILL_MESSAGE, map[string]string{
					"skill": "dash",
				}, batch.PriorityHigh)
			}
		}
	}
}
