package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to config file")
	bindFlag := flag.String("bind", "", "Override bind address (e.g. 0.0.0.0 for local testing)")
	portFlag := flag.Int("port", 0, "Override port")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		home, _ := os.UserHomeDir()
		cfgPath = filepath.Join(home, ".synqbox", "agent.yaml")
	}

	config, err := loadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *bindFlag != "" {
		config.Bind = *bindFlag
	}
	if *portFlag != 0 {
		config.Port = *portFlag
	}

	level := zap.NewAtomicLevel()
	log, err := newLogger(level, config.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(config, cfgPath, level, log); err != nil {
		log.Fatalw("agent exited", "error", err)
	}
}

func newLogger(level zap.AtomicLevel, name string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(name)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	level.SetLevel(lvl)

	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func run(config *Config, cfgPath string, level zap.AtomicLevel, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	opts := config.SimulatorOptions()
	opts.Clock = clock
	opts.Logger = log.Named("simulator")
	if seed := config.Simulator.Seed; seed != 0 {
		opts.Rand = rand.New(rand.NewPCG(seed, seed))
	}
	sim := newSimulator(opts)

	events := newEventLog(clock, config.EventLog.Capacity)
	if config.EventLog.SeedEntries {
		seedEventLog(events)
	}
	events.Observe(sim)

	telemetry := newTelemetry()
	telemetry.Observe(sim)

	controls := newDeviceControls(config.Device.SSID, events)
	srv := newServer(config, sim, events, controls, telemetry, log.Named("server"))

	if err := watchConfig(ctx, cfgPath, log.Named("config"), func(c *Config) {
		srv.SetToken(c.Token)
		if lvl, err := zapcore.ParseLevel(c.LogLevel); err == nil {
			level.SetLevel(lvl)
		}
	}); err != nil {
		log.Warnw("config hot reload disabled", "error", err)
	}

	bindAddr := config.Bind
	if bindAddr == "" {
		ip, err := getTailscaleIP()
		if err != nil {
			log.Warnw("could not detect Tailscale IP, binding to 127.0.0.1 (use --bind to override)", "error", err)
			bindAddr = "127.0.0.1"
		} else {
			bindAddr = ip
		}
	}
	listenAddr := net.JoinHostPort(bindAddr, fmt.Sprint(config.Port))

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}

	httpServer := &http.Server{
		Handler:     srv.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	sim.Start()
	defer sim.Stop()

	log.Infow("synqbox-agent listening", "version", version, "addr", listenAddr)
	if config.Token == "" {
		log.Warn("no auth token configured")
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	sim.Stop()
	srv.closeSubscribers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// tailscaleCGNAT is the address block Tailscale assigns node IPs from.
var tailscaleCGNAT = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

func getTailscaleIP() (string, error) {
	out, err := exec.Command("tailscale", "ip", "-4").Output()
	if err == nil {
		if ip := net.ParseIP(strings.TrimSpace(string(out))); ip != nil && tailscaleCGNAT.Contains(ip) {
			return ip.String(), nil
		}
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("listing interfaces: %w", err)
	}

	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if ok && ipnet.IP.To4() != nil && tailscaleCGNAT.Contains(ipnet.IP) {
				return ipnet.IP.String(), nil
			}
		}
	}

	return "", errors.New("no Tailscale interface found")
}
