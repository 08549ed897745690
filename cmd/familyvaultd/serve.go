// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/familyvault/familyvaultd/internal/config"
	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/familyvault/familyvaultd/internal/network"
	"github.com/familyvault/familyvaultd/internal/pairing"
	"github.com/familyvault/familyvaultd/internal/statsdb"
	"github.com/familyvault/familyvaultd/internal/storage"
	"github.com/familyvault/familyvaultd/internal/transport"
	"github.com/familyvault/familyvaultd/internal/vault"
)

type serveCmd struct {
	Port int `help:"Peer listen port; 0 uses the default." default:"0"`
}

func (s *serveCmd) Run(cli *rootCLI) error {
	if err := os.MkdirAll(cli.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	v := vault.New(vault.NewFileBackend(cli.DataDir))
	if err := v.Init(); err != nil {
		return fmt.Errorf("opening secret vault: %w", err)
	}

	pm := pairing.NewManager(v)
	deviceID, err := pm.EnsureDeviceID()
	if err != nil {
		return fmt.Errorf("resolving device id: %w", err)
	}
	deviceName, err := v.RetrieveString(pairing.VaultKeyDeviceName)
	if err != nil {
		deviceName, _ = os.Hostname()
	}

	cfgWrapper, err := config.Load(filepath.Join(cli.DataDir, "config.yaml"), cli.DataDir)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	defer cfgWrapper.Stop()
	cfg := cfgWrapper.Raw()

	port := s.Port
	if port == 0 {
		port = cfg.ListenPort
	}

	db, err := storage.Open(filepath.Join(cli.DataDir, "familyvault.db"))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	db.Acquire()
	defer db.Release()

	stats := statsdb.New(db)

	netCfg := network.Config{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		DeviceType: domain.DeviceDesktop,
		PSK: transport.NewPSKSource(func() ([]byte, error) {
			secret, err := v.Retrieve(pairing.VaultKeyFamilySecret)
			if err != nil {
				return nil, err
			}
			return pairing.DerivePSK(secret)
		}),
		DB:       db,
		CacheDir: cfg.CacheDir,
	}

	mgr := network.New(netCfg, func(e network.Event) {
		l.Debug("network event", "type", e.Type, "payload", e.Payload)
		if p, ok := e.Payload.(network.DeviceEventPayload); ok && e.Type == network.EventDeviceConnected {
			if err := stats.WasSeen(p.DeviceID); err != nil {
				l.Warn("recording device last-seen failed", "device", p.DeviceID, "err", err)
			}
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := mgr.Start(ctx, port); err != nil {
		return fmt.Errorf("starting network manager: %w", err)
	}
	l.Info("familyvaultd started", "device_id", deviceID, "device_name", deviceName, "port", port)

	<-ctx.Done()
	l.Info("shutting down")
	mgr.Stop()
	return nil
}
