// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package systemd implements the parts of the sd_notify protocol the site
// server uses: readiness and watchdog pings.
//
// See https://www.freedesktop.org/software/systemd/man/sd_notify.html.
package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"go.itsfan.me/site/internal/logger"
)

// State is a sd_notify state line.
type State string

const (
	// Ready tells the service manager that startup is finished.
	Ready State = "READY=1"
	// Stopping tells the service manager that shutdown has begun.
	Stopping State = "STOPPING=1"
	// Watchdog updates the watchdog timestamp.
	Watchdog State = "WATCHDOG=1"
)

// Notify sends state to the service manager. It does nothing when the process
// is not started by systemd. Failures are logged.
func Notify(ctx context.Context, state State) {
	name := os.Getenv("NOTIFY_SOCKET")
	if name == "" {
		return
	}
	if err := send(name, state); err != nil {
		logger.Warn(ctx, "systemd notification failed", slog.String("state", string(state)), slog.Any("err", err))
	}
}

func send(name string, state State) error {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Net: "unixgram", Name: name})
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write([]byte(state))
	return err
}

// WatchdogLoop pings the watchdog at the interval systemd asks for until ctx
// is done. It returns at once if the watchdog is not enabled.
func WatchdogLoop(ctx context.Context) {
	usec := os.Getenv("WATCHDOG_USEC")
	if usec == "" {
		return
	}
	interval, err := watchdogInterval(usec)
	if err != nil {
		logger.Warn(ctx, "systemd watchdog disabled", slog.Any("err", err))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			Notify(ctx, Watchdog)
		case <-ctx.Done():
			return
		}
	}
}

// watchdogInterval halves WATCHDOG_USEC, as sd_watchdog_enabled(3) recommends.
func watchdogInterval(usec string) (time.Duration, error) {
	n, err := strconv.ParseInt(usec, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing WATCHDOG_USEC: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("WATCHDOG_USEC must be positive, got %d", n)
	}
	return time.Duration(n) * time.Microsecond / 2, nil
}
