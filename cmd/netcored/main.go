// Command netcored runs the Electrum network core standalone: it connects
// to a pool of servers, performs checkpointed header sync, and exposes
// nothing else — it exists to exercise and smoke-test the network package
// outside of a full wallet process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rt121212121/electrumsv/chain"
	"github.com/rt121212121/electrumsv/network"
	"github.com/rt121212121/electrumsv/server"
)

func main() {
	app := &cli.App{
		Name:  "netcored",
		Usage: "run the checkpointed Electrum network core",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "netcored.yaml", Usage: "config file path"},
			&cli.StringFlag{Name: "net", Value: "mainnet", Usage: "mainnet or scaling-testnet"},
			&cli.StringFlag{Name: "log-file", Value: "", Usage: "rotating log file path (stderr if empty)"},
			&cli.StringFlag{Name: "log-level", Value: "info"},
			&cli.StringFlag{Name: "proxy", Value: "none", Usage: "socks4:/socks5:/http:host:port[:user:pass] or none"},
			&cli.IntFlag{Name: "max-connections", Value: 10},
			&cli.BoolFlag{Name: "metrics", Value: true, Usage: "enable in-process metrics collection"},
			&cli.BoolFlag{Name: "oneserver", Usage: "maintain a single connection instead of topping up to max-connections"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "netcored:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := setupLogging(c)
	log.SetDefault(logger)

	if c.Bool("metrics") {
		go metrics.CollectProcessMetrics(3 * time.Second)
	}

	v := viper.New()
	v.SetConfigFile(c.String("config"))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		logger.Warn("no config file loaded, starting fresh", "path", c.String("config"), "err", err)
	}
	configStore := network.NewViperConfigStore(v, c.String("config"))
	if c.IsSet("oneserver") {
		if err := configStore.SetOneServer(c.Bool("oneserver")); err != nil {
			logger.Warn("failed to persist --oneserver", "err", err)
		}
	}

	proxy, err := server.ParseProxy(c.String("proxy"))
	if err != nil {
		return fmt.Errorf("invalid --proxy: %w", err)
	}

	net := network.MainNet
	if c.String("net") == "scaling-testnet" {
		net = network.ScalingTestNet
	}

	store := chain.NewMemStore(btcParamsFor(net), net.VerificationBlockHeight, &net.VerificationBlockMerkleRoot, nil)

	n := network.New(network.Options{
		Net:            net,
		Store:          store,
		Config:         configStore,
		Proxy:          proxy,
		Logger:         logger,
		MaxConnections: c.Int("max-connections"),
	})

	n.On(network.EventNewHeader, func(payload any) {
		if iface, ok := payload.(*network.Interface); ok {
			logger.Info("new tip", "server", iface.Key, "height", iface.Tip())
		}
	})
	n.On(network.EventUpdated, func(payload any) {
		if iface, ok := payload.(*network.Interface); ok {
			logger.Info("caught up", "server", iface.Key, "height", iface.Tip())
		}
	})
	n.On(network.EventStatus, func(payload any) {
		logger.Info("connection status changed", "status", payload)
	})
	n.On(network.EventBanner, func(payload any) {
		logger.Debug("server banner", "banner", payload)
	})
	n.On(network.EventInterfaces, func(any) {
		logger.Info("interface set changed", "connected", len(n.Interfaces()))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start network core: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	n.Stop()
	return nil
}

func setupLogging(c *cli.Context) log.Logger {
	lvl, err := log.LvlFromString(c.String("log-level"))
	if err != nil {
		lvl = log.LvlInfo
	}

	var handler log.Handler
	if path := c.String("log-file"); path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		handler = log.StreamHandler(rotator, log.TerminalFormat(false))
	} else {
		handler = log.StreamHandler(os.Stderr, log.TerminalFormat(true))
	}

	logger := log.New()
	logger.SetHandler(log.LvlFilterHandler(lvl, handler))
	return logger
}

// btcParamsFor returns the chaincfg.Params matching net's name. The
// checkpointed store only needs PowLimit/TargetTimespan/TargetTimePerBlock
// from it; mainnet parameters are close enough for scaling-testnet's
// retarget cadence since BSV kept Bitcoin's original rule on both nets.
func btcParamsFor(net network.Net) *chaincfg.Params {
	return &chaincfg.MainNetParams
}
