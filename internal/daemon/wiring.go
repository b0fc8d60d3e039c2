package daemon

import (
	"github.com/anstrom/lanwatch/internal/blacklist"
	"github.com/anstrom/lanwatch/internal/config"
	"github.com/anstrom/lanwatch/internal/db"
	"github.com/anstrom/lanwatch/internal/discovery"
	"github.com/anstrom/lanwatch/internal/featuregate"
	"github.com/anstrom/lanwatch/internal/logging"
	"github.com/anstrom/lanwatch/internal/metrics"
	"github.com/anstrom/lanwatch/internal/plugins"
	"github.com/anstrom/lanwatch/internal/plugins/mdns"
	"github.com/anstrom/lanwatch/internal/plugins/snmp"
	"github.com/anstrom/lanwatch/internal/portscan"
	"github.com/anstrom/lanwatch/internal/priority"
	"github.com/anstrom/lanwatch/internal/scheduler"
)

// Components holds every long-lived collaborator built from one
// configuration and one database handle.
type Components struct {
	Hosts      *db.HostRepository
	History    *db.HistoryRepository
	Settings   *db.SettingsRepository
	Blacklist  *blacklist.Filter
	Priorities *priority.Manager
	Gate       *featuregate.Store
	Plugins    *plugins.Registry
	Engine     *discovery.Engine
	Ports      *portscan.Batch
	Metrics    *metrics.PrometheusMetrics
	Scheduler  *scheduler.Orchestrator
}

// Build wires the store, discovery engine, port batch and scheduler
// together. Nothing is started.
func Build(cfg *config.Config, database *db.DB) *Components {
	logger := logging.Default().WithComponent("daemon")

	c := &Components{
		Hosts:    db.NewHostRepository(database),
		History:  db.NewHistoryRepository(database),
		Settings: db.NewSettingsRepository(database),
		Metrics:  metrics.NewPrometheusMetrics(),
	}
	c.Blacklist = blacklist.New(c.Settings)
	c.Priorities = priority.NewManager(c.Settings)
	c.Gate = featuregate.NewStore(c.Settings)
	c.Plugins = buildPlugins(cfg.Plugins)

	deps := discovery.Deps{
		Hosts:       c.Hosts,
		History:     c.History,
		Priorities:  c.Priorities,
		Exclusions:  c.Blacklist,
		Plugins:     c.Plugins,
		FullProber:  discovery.NewNmapProber(cfg.Discovery.NmapPath, cfg.Discovery.ProbeTimeout),
		QuickProber: discovery.NewARPProber(cfg.Discovery.Interface, cfg.Discovery.ProbeTimeout),
	}
	if names, err := discovery.NewPTRResolver(cfg.Discovery.DNSServer, cfg.Discovery.ProbeTimeout); err != nil {
		logger.Warn("PTR lookups disabled", "error", err)
	} else {
		deps.Names = names
	}

	c.Engine = discovery.NewEngine(discovery.Config{
		NetworkRange:  cfg.Discovery.NetworkRange,
		Interface:     cfg.Discovery.Interface,
		Concurrency:   cfg.Discovery.Concurrency,
		RatePerSecond: cfg.Discovery.RatePerSecond,
	}, deps)

	nmapPath := cfg.PortScan.NmapPath
	if nmapPath == "" {
		nmapPath = cfg.Discovery.NmapPath
	}
	c.Ports = portscan.NewBatch(c.Hosts,
		portscan.NewNmapProber(nmapPath, cfg.PortScan.HostTimeout), cfg.PortScan.MaxHosts)

	c.Scheduler = scheduler.NewOrchestrator(scheduler.Deps{
		Store:    c.Settings,
		Gate:     c.Gate,
		Scanner:  c.Engine,
		Ports:    c.Ports,
		Recorder: c.Metrics,
	})

	return c
}

func buildPlugins(cfg config.PluginsConfig) *plugins.Registry {
	registry := plugins.NewRegistry()
	if cfg.MDNS.Enabled {
		registry.Register(mdns.New(mdns.Config{
			Services: cfg.MDNS.Services,
			Domain:   cfg.MDNS.Domain,
			Timeout:  cfg.MDNS.Timeout,
		}))
	}
	if cfg.SNMP.Enabled {
		registry.Register(snmp.New(snmp.Config{
			Targets:   cfg.SNMP.Targets,
			Community: cfg.SNMP.Community,
			Port:      cfg.SNMP.Port,
			Timeout:   cfg.SNMP.Timeout,
			Retries:   cfg.SNMP.Retries,
		}))
	}
	return registry
}
