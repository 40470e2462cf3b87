// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/leasecore/leasecore/alloc"
	"github.com/leasecore/leasecore/confdb"
	"github.com/leasecore/leasecore/config"
	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/logger"
	"github.com/leasecore/leasecore/store"
	"github.com/leasecore/leasecore/store/bolt"
	"github.com/leasecore/leasecore/store/memory"
	"github.com/leasecore/leasecore/store/redis"
	"github.com/leasecore/leasecore/store/sqlite"
)

var (
	flagLogFile     = flag.String("logfile", "", "Name of the log file to append to. Default: stdout/stderr only")
	flagLogNoStdout = flag.Bool("nostdout", false, "Disable logging to stdout/stderr")
	flagLogLevel    = flag.String("loglevel", "info", fmt.Sprintf("Log level. One of %v", logger.Levels()))
	flagConfig      = flag.String("conf", "", "Use this configuration file instead of the default location")
)

// leaseStores opens the configured lease backend for both families.
func leaseStores(conf *config.Config) (store.Store4, store.Store6, func() error, error) {
	switch conf.LeaseBackend.Kind {
	case "memory":
		return memory.NewStore4(conf.MultiThreaded), memory.NewStore6(conf.MultiThreaded), func() error { return nil }, nil
	case "sqlite":
		db, err := sqlite.Open(conf.LeaseBackend.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return db.Leases4(), db.Leases6(), db.Close, nil
	case "redis":
		db, err := redis.Open(conf.LeaseBackend.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return db.Leases4(), db.Leases6(), db.Close, nil
	case "bolt":
		db, err := bolt.Open(conf.LeaseBackend.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return db.Leases4(), db.Leases6(), db.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("%w: unknown lease backend %q", lease.ErrBadValue, conf.LeaseBackend.Kind)
}

// configBackend opens the configured configuration backend. The memory
// and sqlite variants both serve the v4 and v6 facets.
func configBackend(conf *config.Config) (confdb.Backend4, confdb.Backend6, func() error, error) {
	switch conf.ConfigBackend.Kind {
	case "memory":
		b := confdb.NewMemoryBackend(conf.MultiThreaded)
		return b, b, b.Close, nil
	case "sqlite":
		b, err := confdb.OpenSQLite(conf.ConfigBackend.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return b, b, b.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("%w: unknown config backend %q", lease.ErrBadValue, conf.ConfigBackend.Kind)
}

func main() {
	flag.Parse()

	log := logger.GetLogger("main")
	if !logger.SetLevel(log, *flagLogLevel) {
		log.Fatalf("Invalid log level '%s'. Valid log levels are %v", *flagLogLevel, logger.Levels())
	}
	log.Infof("Setting log level to '%s'", *flagLogLevel)
	if *flagLogFile != "" {
		log.Infof("Logging to file %s", *flagLogFile)
		logger.WithFile(log, *flagLogFile)
	}
	if *flagLogNoStdout {
		log.Infof("Disabling logging to stdout/stderr")
		logger.WithNoStdOutErr(log)
	}

	conf, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	store4, store6, closeStores, err := leaseStores(conf)
	if err != nil {
		log.Fatalf("Failed to open lease backend: %v", err)
	}
	defer closeStores()
	log.Infof("Lease backend: %s (%s)", store4.Name(), store4.Description())

	cb4, cb6, closeConfig, err := configBackend(conf)
	if err != nil {
		log.Fatalf("Failed to open configuration backend: %v", err)
	}
	defer closeConfig()
	log.Infof("Configuration backend: %s (%s)", cb4.Name(), cb4.Description())

	sel := confdb.AllServers()
	if conf.ServerTag != "" {
		sel = confdb.OneServer(conf.ServerTag)
	}

	picker, err := alloc.ParsePicker(conf.Allocator)
	if err != nil {
		log.Fatalf("Invalid allocator: %v", err)
	}
	engineConf := alloc.Config{
		Picker:            picker,
		RetryLimit:        conf.RetryLimit,
		DeclineQuarantine: conf.DeclineQuarantine,
		ReclaimHorizon:    conf.ReclaimHorizon,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)

	if conf.EnableV4 {
		monitor, err := confdb.NewMonitor4(ctx, cb4, sel, conf.AuditPollInterval)
		if err != nil {
			log.Fatalf("Failed to build DHCPv4 configuration snapshot: %v", err)
		}
		engine, err := alloc.NewEngine4(store4, monitor.Snapshot, engineConf)
		if err != nil {
			log.Fatalf("Failed to build DHCPv4 allocation engine: %v", err)
		}
		group.Go(func() error { return monitor.Run(ctx) })
		group.Go(func() error { return engine.RunReclaimer(ctx, conf.ReclaimInterval) })
		log.Infof("DHCPv4 engine ready (%d subnets)", len(monitor.Snapshot().Subnets))
	}
	if conf.EnableV6 {
		monitor, err := confdb.NewMonitor6(ctx, cb6, sel, conf.AuditPollInterval)
		if err != nil {
			log.Fatalf("Failed to build DHCPv6 configuration snapshot: %v", err)
		}
		engine, err := alloc.NewEngine6(store6, monitor.Snapshot, engineConf)
		if err != nil {
			log.Fatalf("Failed to build DHCPv6 allocation engine: %v", err)
		}
		group.Go(func() error { return monitor.Run(ctx) })
		group.Go(func() error { return engine.RunReclaimer(ctx, conf.ReclaimInterval) })
		log.Infof("DHCPv6 engine ready (%d subnets)", len(monitor.Snapshot().Subnets))
	}

	if err := conf.Watch(func() {
		log.Warning("configuration file changed on disk; restart to apply daemon-level settings")
	}); err != nil {
		log.Warningf("Cannot watch configuration file: %v", err)
	}

	log.Print("Waiting")
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}
