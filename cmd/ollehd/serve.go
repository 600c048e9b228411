package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	"ollehd/internal/config"
	"ollehd/internal/debuglog"
	"ollehd/internal/handler"
	"ollehd/internal/metrics"
	"ollehd/internal/pprofutil"
	"ollehd/internal/proto"
	"ollehd/internal/server"
)

// upper answers every block with its ASCII upper-case form.
var upper = handler.DataHandlerFunc(func(req *handler.DataRequest) (proto.Block, bool) {
	out, err := proto.NewBlock([]byte(strings.ToUpper(string(req.Payload.Bytes()))))
	return out, err == nil
})

func profileMode(name string) (func(*profile.Profile), error) {
	switch name {
	case "cpu":
		return profile.CPUProfile, nil
	case "mem":
		return profile.MemProfile, nil
	case "block":
		return profile.BlockProfile, nil
	case "mutex":
		return profile.MutexProfile, nil
	case "goroutine":
		return profile.GoroutineProfile, nil
	}
	return nil, errors.Errorf("unknown profile %q", name)
}

func serveCmd() *cobra.Command {
	var (
		cfgPath    string
		listen     string
		debug      bool
		useUpper   bool
		profileDir string
		profileFor string
		snapshot   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve HELLO, AUTH and DATA on a UDP port",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if debug {
				cfg.Debug = true
			}

			log := debuglog.Default()
			log.SetDebug(cfg.Debug)
			defer log.Sync()

			if profileDir != "" {
				mode, err := profileMode(profileFor)
				if err != nil {
					return err
				}
				defer profile.Start(mode, profile.ProfilePath(profileDir), profile.NoShutdownHook, profile.Quiet).Stop()
			}

			m := metrics.New()
			opts := []server.Option{server.WithLogger(log), server.WithMetrics(m)}
			if useUpper {
				opts = append(opts, server.WithDataHandler(upper))
			}
			srv, err := server.New(cfg, opts...)
			if err != nil {
				return err
			}
			dbg, err := pprofutil.Start(pprofutil.OptionsFromEnv(os.Getenv), m, log)
			if err != nil {
				return err
			}
			if dbg != nil {
				defer dbg.Close()
			}
			if err := srv.Start(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			select {
			case <-ctx.Done():
				log.Infof("shutting down")
			case <-srv.Done():
			}
			loopErr := srv.Receiver().Err()
			if err := srv.Stop(); err != nil && loopErr == nil {
				log.Warnf("stop: %v", err)
			}
			if snapshot != "" {
				if err := m.WriteSnapshot(snapshot); err != nil {
					log.Warnf("metrics snapshot: %v", err)
				}
			}
			return loopErr
		},
	}
	f := cmd.Flags()
	f.StringVarP(&cfgPath, "config", "c", "", "TOML config file")
	f.StringVar(&listen, "listen", "", "override listen address (host:port)")
	f.BoolVar(&debug, "debug", false, "debug logging")
	f.BoolVar(&useUpper, "upper", false, "answer DATA with the upper-cased payload instead of echoing it")
	f.StringVar(&profileDir, "profile-dir", "", "write a runtime profile into this directory")
	f.StringVar(&profileFor, "profile", "cpu", "profile kind: cpu, mem, block, mutex, goroutine")
	f.StringVar(&snapshot, "metrics-snapshot", "", "write a JSON metrics snapshot here on exit")
	return cmd
}
