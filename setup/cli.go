// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package setup wires a bridge binary: flags, config, registration,
// logging, sentry, storage and signal handling.
package setup

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/bridge"
	"github.com/element-hq/matrix-appservice-bridge/client"
	"github.com/element-hq/matrix-appservice-bridge/mediaproxy"
	"github.com/element-hq/matrix-appservice-bridge/setup/config"
	"github.com/element-hq/matrix-appservice-bridge/storage"
)

// Cli is the standard entrypoint for a bridge binary. Flags follow the
// conventional AS layout: -r generates a registration, -c runs the
// bridge.
type Cli struct {
	// BridgeName becomes the registration ID and log prefix.
	BridgeName string
	// Controller supplies the bridge-specific callbacks.
	Controller bridge.Controller

	generate  bool
	url       string
	regFile   string
	localpart string
	confFile  string
	port      int
}

// Run parses flags and either writes a registration or runs the bridge
// until terminated. It returns the process exit code.
func (c *Cli) Run(args []string) int {
	flags := flag.NewFlagSet(c.BridgeName, flag.ContinueOnError)
	flags.BoolVar(&c.generate, "r", false, "generate a registration YAML and exit")
	flags.StringVar(&c.url, "u", "http://localhost:9000", "AS URL to advertise in the registration")
	flags.StringVar(&c.regFile, "f", "registration.yaml", "registration file to write or load")
	flags.StringVar(&c.localpart, "l", c.BridgeName, "sender localpart for the registration")
	flags.StringVar(&c.confFile, "c", "", "bridge config file")
	flags.IntVar(&c.port, "p", 0, "override the AS listener port")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	if c.generate {
		if err := c.generateRegistration(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}
	if c.confFile == "" {
		fmt.Fprintln(os.Stderr, "either -r or -c is required")
		return 1
	}
	if err := c.runBridge(); err != nil {
		logrus.WithError(err).Error("Bridge exited with error")
		return 1
	}
	return 0
}

func (c *Cli) generateRegistration() error {
	reg, err := config.GenerateRegistration(config.GenerateRegistrationOpts{
		ID:              c.BridgeName,
		URL:             c.url,
		SenderLocalpart: c.localpart,
		LocalpartPrefix: c.BridgeName + "_",
	})
	if err != nil {
		return err
	}
	return reg.Save(c.regFile)
}

func (c *Cli) runBridge() error {
	cfg, err := config.Load(c.confFile)
	if err != nil {
		return err
	}
	if c.port != 0 {
		cfg.AppService.BindAddress = fmt.Sprintf(":%d", c.port)
	}
	setupLogging(cfg.Logging)
	log := logrus.WithField("bridge", c.BridgeName)

	if cfg.Sentry.Enabled {
		if err = sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN}); err != nil {
			return fmt.Errorf("failed to start sentry: %w", err)
		}
	}

	regPath := cfg.AppService.RegistrationPath
	if regPath == "" {
		regPath = c.regFile
	}
	reg, err := config.LoadRegistration(regPath)
	if err != nil {
		return err
	}

	var db storage.Database
	if cfg.Database.ConnectionString != "" {
		if db, err = storage.Open(cfg.Database.ConnectionString); err != nil {
			return err
		}
		defer db.Close() // nolint: errcheck
	}

	cli := client.New(client.Config{
		HomeserverURL: cfg.Homeserver.URL,
		SyncProxyURL:  cfg.Homeserver.SyncProxyURL,
		ASToken:       reg.ASToken,
		BotUserID:     botUserID(reg, cfg),
		Logger:        log,
	})

	b, err := bridge.New(bridge.Opts{
		Config:       cfg,
		Registration: reg,
		Client:       cli,
		Store:        db,
		Controller:   c.Controller,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.handleSignals(ctx, cancel, b, log)

	group, groupCtx := errgroup.WithContext(ctx)
	if cfg.MediaProxy.SigningKeyPath != "" && cfg.MediaProxy.BindAddress != "" {
		proxy, err := mediaproxy.New(cfg.MediaProxy, b.BotIntent(), cli, log)
		if err != nil {
			return err
		}
		group.Go(func() error { return proxy.ListenAndServe(groupCtx) })
	}
	group.Go(func() error { return b.Run(groupCtx) })
	return group.Wait()
}

// handleSignals terminates on SIGINT/SIGTERM and reloads config on
// SIGHUP.
func (c *Cli) handleSignals(ctx context.Context, cancel context.CancelFunc, b *bridge.Bridge, log *logrus.Entry) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			if sig != syscall.SIGHUP {
				log.WithField("signal", sig).Info("Shutting down")
				cancel()
				return
			}
			log.Info("Reloading config")
			cfg, err := config.Load(c.confFile)
			if err != nil {
				log.WithError(err).Error("Keeping the old config, reload failed")
				continue
			}
			b.OnConfigReload(ctx, cfg)
		}
	}
}

func setupLogging(cfg config.Logging) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
}

func botUserID(reg *config.Registration, cfg *config.Bridge) id.UserID {
	return id.UserID(fmt.Sprintf("@%s:%s", reg.SenderLocalpart, cfg.Homeserver.Domain))
}
