// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/familyvault/familyvaultd/internal/pairing"
	"github.com/familyvault/familyvaultd/internal/vault"
)

func openVault(dataDir string) (*vault.Vault, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	v := vault.New(vault.NewFileBackend(dataDir))
	if err := v.Init(); err != nil {
		return nil, fmt.Errorf("opening secret vault: %w", err)
	}
	return v, nil
}

type deviceIDCmd struct{}

func (d *deviceIDCmd) Run(cli *rootCLI) error {
	v, err := openVault(cli.DataDir)
	if err != nil {
		return err
	}
	id, err := pairing.NewManager(v).EnsureDeviceID()
	if err != nil {
		return fmt.Errorf("resolving device id: %w", err)
	}
	fmt.Println(id)
	return nil
}

type createFamilyCmd struct {
	Host string `help:"Address a joining device should dial; defaults to the first non-loopback address found." default:""`
	Port int    `help:"Port to listen for the joining device's handshake on." default:"21027"`
}

func (c *createFamilyCmd) Run(cli *rootCLI) error {
	v, err := openVault(cli.DataDir)
	if err != nil {
		return err
	}
	pm := pairing.NewManager(v)

	host := c.Host
	if host == "" {
		host, err = firstNonLoopbackAddress()
		if err != nil {
			return fmt.Errorf("determining local address: %w", err)
		}
	}

	session, payload, err := pm.CreateFamily(host, c.Port)
	if err != nil {
		return fmt.Errorf("creating family: %w", err)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding pairing payload: %w", err)
	}

	fmt.Printf("PIN: %s\n", session.PIN)
	fmt.Printf("QR payload: %s\n", encoded)
	fmt.Printf("Waiting up to %s for a device to join on %s:%d ...\n", time.Until(session.ExpiresAt).Round(time.Second), host, c.Port)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.Port))
	if err != nil {
		return fmt.Errorf("listening for joining device: %w", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithDeadline(context.Background(), session.ExpiresAt)
	defer cancel()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("pairing window expired without a device joining")
			}
			return fmt.Errorf("accepting joining device: %w", err)
		}
		remoteIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		l.Info("pairing attempt received", "remote", remoteIP)
		pm.HandleIncoming(ctx, conn, remoteIP)
		fmt.Println("device joined the family")
		return nil
	}
}

func firstNonLoopbackAddress() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		return ipNet.IP.String(), nil
	}
	return "", fmt.Errorf("no non-loopback IPv4 address found")
}

type joinFamilyCmd struct {
	Address string `arg:"" help:"host:port printed by create-family on the device to join."`
	PIN     string `arg:"" help:"6-digit PIN printed by create-family."`
}

func (j *joinFamilyCmd) Run(cli *rootCLI) error {
	v, err := openVault(cli.DataDir)
	if err != nil {
		return err
	}
	pm := pairing.NewManager(v)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := pm.Join(ctx, j.Address, j.PIN)
	if err != nil {
		return fmt.Errorf("joining family: %w", err)
	}
	fmt.Println(result)
	if result != pairing.JoinSuccess {
		return fmt.Errorf("join failed: %s", result)
	}
	return nil
}
