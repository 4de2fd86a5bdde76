// Command ffadosim runs a simulated FireWire audio streaming session
// against the in-process loopback transport, for demos and manual testing
// without real 1394 hardware.
package main

/*------------------------------------------------------------------
 *
 * Purpose:	Demo/test harness binary.
 *
 * Description:	Adapted from the teacher's src/direwolf.go top-level flow
 *		(parse flags, load config, start everything, block until
 *		interrupted) and src/dns_sd.go's service announcement.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brutella/dnssd"
	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/ffadogo/streaming/internal/dwlog"
	"github.com/ffadogo/streaming/internal/simtransport"
	ffado "github.com/ffadogo/streaming/src"
)

const dnssdServiceType = "_ffadosim._tcp"

func main() {
	var configPath = pflag.StringP("config", "c", "", "Path to a session YAML config file (required).")
	var verbose = pflag.BoolP("verbose", "v", false, "Enable debug-level logging.")
	var announce = pflag.BoolP("announce", "a", false, "Announce this session via DNS-SD/mDNS.")
	var announcePort = pflag.IntP("announce-port", "p", 9999, "Port to advertise in the DNS-SD record (informational only).")
	var version = pflag.Bool("version", false, "Print version and exit.")
	var help = pflag.Bool("help", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: ffadosim --config session.yaml [options]\n\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()

	if *help {
		pflag.Usage()

		return
	}

	if *version {
		ffado.PrintVersion(*verbose)

		return
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "ffadosim: --config is required")
		pflag.Usage()
		os.Exit(1)
	}

	var level = log.InfoLevel
	if *verbose {
		level = log.DebugLevel
	}

	var logger = dwlog.New(os.Stderr, dwlog.WithLevel(level), dwlog.WithPrefix("ffadosim"))

	var cfg, cfgErr = ffado.LoadSessionConfig(*configPath)
	if cfgErr != nil {
		logger.Errorf("loading session config: %v", cfgErr)
		os.Exit(1)
	}

	var mgr, buildErr = cfg.BuildSession(logger)
	if buildErr != nil {
		logger.Errorf("building session: %v", buildErr)
		os.Exit(1)
	}

	if *announce {
		announceService(logger, *announcePort)
	}

	var transport = simtransport.New()

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		logger.Errorf("starting simulated transport: %v", err)
		os.Exit(1)
	}

	var startCycle, cycleErr = transport.CurrentCycle(ctx)
	if cycleErr != nil {
		logger.Errorf("reading start cycle: %v", cycleErr)
		os.Exit(1)
	}

	if err := mgr.Start(startCycle); err != nil {
		logger.Errorf("starting session: %v", err)
		os.Exit(1)
	}

	var alignCtx, alignCancel = context.WithTimeout(ctx, 5*time.Second)
	defer alignCancel()

	if err := mgr.AwaitAlignment(alignCtx); err != nil {
		logger.Errorf("waiting for alignment: %v", err)
		os.Exit(1)
	}

	logger.Infof("session running, state=%s", mgr.State())

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			logger.Infof("shutting down")
			mgr.Stop()
			transport.Stop()

			return
		default:
		}

		var _, waitErr = mgr.WaitForPeriod(ctx)
		if waitErr != nil {
			logger.Warnf("wait_for_period: %v", waitErr)

			continue
		}

		if err := mgr.Transfer(ffado.TransferCapture); err != nil {
			logger.Warnf("transfer capture: %v", err)
		}

		if err := mgr.Transfer(ffado.TransferPlayback); err != nil {
			logger.Warnf("transfer playback: %v", err)
		}
	}
}

func announceService(logger *dwlog.Logger, port int) {
	var cfg = dnssd.Config{ //nolint:exhaustruct
		Name: "ffadosim",
		Type: dnssdServiceType,
		Port: port,
	}

	var sv, svErr = dnssd.NewService(cfg)
	if svErr != nil {
		logger.Errorf("DNS-SD: failed to create service: %v", svErr)

		return
	}

	var rp, rpErr = dnssd.NewResponder()
	if rpErr != nil {
		logger.Errorf("DNS-SD: failed to create responder: %v", rpErr)

		return
	}

	var _, addErr = rp.Add(sv)
	if addErr != nil {
		logger.Errorf("DNS-SD: failed to add service: %v", addErr)

		return
	}

	logger.Infof("DNS-SD: announcing %s on port %d", dnssdServiceType, port)

	go func() {
		if err := rp.Respond(context.Background()); err != nil {
			logger.Errorf("DNS-SD: responder error: %v", err)
		}
	}()
}
