package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/phillus33/shotrelay/internal/config"
	"github.com/phillus33/shotrelay/internal/credential"
	"github.com/phillus33/shotrelay/internal/delivery"
	"github.com/phillus33/shotrelay/internal/transport/natsbus"
	"github.com/phillus33/shotrelay/internal/transport/s3archive"
	"github.com/phillus33/shotrelay/internal/transport/telegram"
	"github.com/phillus33/shotrelay/pkg/shotrelay"
)

// applySecrets fills settings the config left empty from the sealed
// credential file.
func applySecrets(cfg *config.Config, s credential.Secrets) {
	if cfg.Telegram.Token == "" {
		cfg.Telegram.Token = s.APIToken
	}
	if s.SavePath != "" && (cfg.Capture.Dir == "" || cfg.Capture.Dir == ".") {
		cfg.Capture.Dir = s.SavePath
	}
	if s.ChannelID != "" && len(cfg.Destinations) == 0 {
		cfg.Destinations = append(cfg.Destinations, config.DestinationConfig{
			Name:      "telegram",
			Transport: config.TransportTelegram,
			Target:    s.ChannelID,
		})
	}
}

// buildDestinations creates one client per transport in use and binds every
// configured destination to it. nc may be nil when no destination uses NATS.
func buildDestinations(ctx context.Context, cfg *config.Config, nc *nats.Conn) ([]shotrelay.Destination, error) {
	chats := make(map[delivery.Destination]string)
	subjects := make(map[delivery.Destination]string)
	prefixes := make(map[delivery.Destination]string)
	for _, d := range cfg.Destinations {
		name := delivery.Destination(d.Name)
		switch d.Transport {
		case config.TransportTelegram:
			chats[name] = d.Target
		case config.TransportNATS:
			subjects[name] = d.Target
		case config.TransportS3:
			prefixes[name] = d.Target
		}
	}

	clients := make(map[string]delivery.Client)
	if len(chats) > 0 {
		c, err := telegram.New(telegram.Config{
			APIURL:  cfg.Telegram.APIURL,
			Token:   cfg.Telegram.Token,
			Chats:   chats,
			Timeout: cfg.Telegram.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		clients[config.TransportTelegram] = c
	}
	if len(subjects) > 0 {
		if nc == nil {
			return nil, fmt.Errorf("nats destinations require nats.url")
		}
		c, err := natsbus.New(natsbus.Config{Conn: nc, Subjects: subjects})
		if err != nil {
			return nil, err
		}
		clients[config.TransportNATS] = c
	}
	if len(prefixes) > 0 {
		c, err := s3archive.NewFromConfig(ctx, s3archive.Config{
			Bucket:       cfg.S3.Bucket,
			Prefixes:     prefixes,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		clients[config.TransportS3] = c
	}

	dests := make([]shotrelay.Destination, 0, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		dests = append(dests, shotrelay.Destination{
			Name:          delivery.Destination(d.Name),
			Client:        clients[d.Transport],
			QuarantineDir: cfg.QuarantineDir(d),
		})
	}
	return dests, nil
}

// quarantineDirs maps every configured destination to its unsent directory.
func quarantineDirs(cfg *config.Config) map[delivery.Destination]string {
	dirs := make(map[delivery.Destination]string, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		dirs[delivery.Destination(d.Name)] = cfg.QuarantineDir(d)
	}
	return dirs
}
