package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"hpc-queue/pkg/config"
	"hpc-queue/pkg/driver"
)

// buildDriver constructs the backend named by cfg.Driver.Kind and applies
// the free-form driver options on top of the typed settings.
func buildDriver(cfg config.Config) (driver.Driver, error) {
	var d driver.Driver
	switch cfg.Driver.Kind {
	case "local":
		d = driver.NewLocal()
	case "rsh":
		r := driver.NewRemoteShell(cfg.RSH.Command)
		for host, slots := range cfg.RSH.Hosts {
			r.AddHost(host, slots)
		}
		d = r
	case "container":
		c, err := driver.NewContainer(cfg.Container.Image)
		if err != nil {
			return nil, err
		}
		d = c
	case "cluster":
		rm, err := buildResourceManager(cfg.Cluster)
		if err != nil {
			return nil, err
		}
		c := driver.NewCluster(cfg.Cluster.Manager, rm)
		if err := c.SetOption("query_attempts", cfg.Cluster.QueryAttempts); err != nil {
			return nil, err
		}
		if err := c.SetOption("query_timeout", cfg.Cluster.QueryTimeout); err != nil {
			return nil, err
		}
		d = c
	default:
		return nil, fmt.Errorf("unknown driver kind %q", cfg.Driver.Kind)
	}
	if err := driver.ApplyOptions(d, cfg.Driver.Options); err != nil {
		closeDriver(d)
		return nil, err
	}
	return d, nil
}

func buildResourceManager(cfg config.ClusterConfig) (driver.ResourceManager, error) {
	var m *driver.CommandManager
	switch cfg.Manager {
	case "redis":
		return driver.NewRedisManager(newRedisClient(cfg.Redis), cfg.Redis.Prefix), nil
	case "lsf":
		m = driver.NewLSFManager()
	case "slurm":
		m = driver.NewSlurmManager()
	case "command":
		m = &driver.CommandManager{}
	default:
		return nil, fmt.Errorf("unknown cluster manager %q", cfg.Manager)
	}
	if len(cfg.SubmitCmd) > 0 {
		m.SubmitCmd = cfg.SubmitCmd
	}
	if len(cfg.QueryCmd) > 0 {
		m.QueryCmd = cfg.QueryCmd
	}
	if len(cfg.CancelCmd) > 0 {
		m.CancelCmd = cfg.CancelCmd
	}
	if len(m.SubmitCmd) == 0 || len(m.QueryCmd) == 0 {
		return nil, fmt.Errorf("cluster manager %q needs submit_cmd and query_cmd", cfg.Manager)
	}
	return m, nil
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Addr})
}

func closeDriver(d driver.Driver) {
	if c, ok := d.(driver.Closer); ok {
		c.Close()
	}
}
