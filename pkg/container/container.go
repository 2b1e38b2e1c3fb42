// Package container provisions and tears down the isolated browser
// environments behind each session.
package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/crossview/crossview/pkg/config"
	"github.com/crossview/crossview/pkg/logger"
	"github.com/crossview/crossview/pkg/network"
	"github.com/docker/docker/api/types"
	ctypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
)

const (
	namePrefix = "browser-"
	rfbPort    = nat.Port("5900/tcp")
	probeHost  = "127.0.0.1"
)

var ErrProvisionTimeout = errors.New("container readiness probe timed out")

// Controller owns the Docker side of the session lifecycle: one
// container per session, named after it, torn down with it.
type Controller struct {
	cli    client.APIClient
	conf   config.Containers
	secret string
	probe  network.Policy
	log    *logger.Logger
}

func NewController(conf config.Containers, secret string, log *logger.Logger) (*Controller, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Controller{
		cli:    cli,
		conf:   conf,
		secret: secret,
		probe:  network.Policy{Attempts: conf.Ready.Attempts, Delay: conf.Ready.Interval},
		log:    log,
	}, nil
}

// Name derives the deterministic container name for a session.
func Name(sessionID string) string { return namePrefix + sessionID }

// Image selects the browser image for a variant tag.
func Image(variant string) string { return namePrefix + variant + ":latest" }

// Provision launches the browser container for the session, publishes
// its framebuffer port to a host-assigned ephemeral port and waits for
// the endpoint to accept TCP connections. On probe timeout the
// container is rolled back and ErrProvisionTimeout is returned.
func (c *Controller) Provision(ctx context.Context, sessionID, variant string) (containerID, endpoint string, vncPort int, err error) {
	name := Name(sessionID)
	created, err := c.cli.ContainerCreate(ctx,
		&ctypes.Config{
			Image:        Image(variant),
			Env:          []string{"VNC_PASSWORD=" + c.secret},
			ExposedPorts: nat.PortSet{rfbPort: struct{}{}},
		},
		&ctypes.HostConfig{
			AutoRemove:  true,
			NetworkMode: "bridge",
			// empty HostPort lets the daemon pick an ephemeral port,
			// so concurrent sessions never collide
			PortBindings: nat.PortMap{rfbPort: []nat.PortBinding{{HostIP: probeHost}}},
			Resources: ctypes.Resources{
				Memory:    c.conf.MemoryMB << 20,
				CPUPeriod: c.conf.CpuPeriod,
				CPUQuota:  c.conf.CpuQuota,
			},
		},
		nil, nil, name)
	if err != nil {
		return "", "", 0, fmt.Errorf("create %s: %w", name, err)
	}
	if err = c.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		c.remove(name)
		return "", "", 0, fmt.Errorf("start %s: %w", name, err)
	}

	port, err := c.publishedPort(ctx, created.ID)
	if err != nil {
		c.remove(name)
		return "", "", 0, err
	}
	endpoint = net.JoinHostPort(probeHost, strconv.Itoa(port))

	if err = c.await(ctx, endpoint); err != nil {
		c.log.Error().Err(err).Msgf("container %s never became ready", name)
		c.remove(name)
		return "", "", 0, fmt.Errorf("%w: %s", ErrProvisionTimeout, endpoint)
	}
	c.log.Debug().Msgf("container %s is ready at %s", name, endpoint)
	return created.ID, endpoint, port, nil
}

func (c *Controller) publishedPort(ctx context.Context, id string) (int, error) {
	inspect, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("inspect: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[rfbPort]
	if len(bindings) == 0 {
		return 0, fmt.Errorf("no host binding for %s", rfbPort)
	}
	port, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, fmt.Errorf("bad host port %q: %w", bindings[0].HostPort, err)
	}
	return port, nil
}

// await probes the endpoint until a TCP connect succeeds; a connect
// that opens and closes cleanly marks the framebuffer server as up.
func (c *Controller) await(ctx context.Context, endpoint string) error {
	return c.probe.Run(ctx, func(ctx context.Context) error {
		d := net.Dialer{Timeout: 2 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", endpoint)
		if err != nil {
			return err
		}
		return conn.Close()
	})
}

// Stop shuts the session's container down. A missing container counts
// as stopped; only a genuine stop failure yields false.
func (c *Controller) Stop(ctx context.Context, sessionID string) bool {
	name := Name(sessionID)
	if err := c.cli.ContainerStop(ctx, name, ctypes.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			c.log.Debug().Msgf("container %s is already gone", name)
			return true
		}
		c.log.Error().Err(err).Msgf("couldn't stop container %s", name)
		return false
	}
	return true
}

// StopAll is the process shutdown sweep: best-effort stop of every
// browser container, failures logged and swallowed.
func (c *Controller) StopAll(ctx context.Context) {
	list, err := c.cli.ContainerList(ctx, types.ContainerListOptions{
		Filters: filters.NewArgs(filters.Arg("name", namePrefix)),
	})
	if err != nil {
		c.log.Error().Err(err).Msg("shutdown container listing")
		return
	}
	for _, item := range list {
		if err := c.cli.ContainerStop(ctx, item.ID, ctypes.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
			c.log.Error().Err(err).Msgf("shutdown stop %s", item.ID)
		}
	}
	c.log.Info().Msgf("stopped %d containers", len(list))
}

// Stats takes a one-shot resource usage snapshot of the session's container.
func (c *Controller) Stats(ctx context.Context, sessionID string) (cpu, mem int64, err error) {
	resp, err := c.cli.ContainerStats(ctx, Name(sessionID), false)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	var v types.StatsJSON
	if err = json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return 0, 0, fmt.Errorf("decode stats: %w", err)
	}
	return int64(v.CPUStats.CPUUsage.TotalUsage), int64(v.MemoryStats.Usage), nil
}

// remove rolls a half-provisioned container back; AutoRemove handles
// the cleanup once it stops.
func (c *Controller) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.cli.ContainerStop(ctx, name, ctypes.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
		c.log.Error().Err(err).Msgf("rollback stop %s", name)
	}
}
