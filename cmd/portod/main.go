// Command portod is the daemon entrypoint: it loads configuration, wires
// every subsystem together into a Daemon value, and serves client
// connections on a unix stream socket (§6, §9 "process-wide state held by
// an initialized Daemon value passed down by reference; no ambient
// globals").
//
// Grounded on the teacher's cmd/dockerd for two things: the CLI surface
// (spf13/cobra, the same flag library dockerd's main uses) and the
// reexec.Init() boilerplate every dockerd-shaped binary opens main()
// with, required here because launch/child.go's init() registers a
// reexec handler against the same github.com/moby/sys/reexec mechanism.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/moby/sys/reexec"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yandex/porto/cgroup"
	"github.com/yandex/porto/container"
	"github.com/yandex/porto/dispatch"
	"github.com/yandex/porto/internal/config"
	"github.com/yandex/porto/internal/cred"
	"github.com/yandex/porto/launch"
	"github.com/yandex/porto/network"
	"github.com/yandex/porto/nl"
	"github.com/yandex/porto/property"
	"github.com/yandex/porto/store"
	"github.com/yandex/porto/volume"
	"github.com/yandex/porto/volume/quota"
)

func main() {
	if reexec.Init() {
		return
	}

	var configPath string
	root := &cobra.Command{
		Use:   "portod",
		Short: "porto container management daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the daemon's YAML configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// daemon bundles every subsystem the dispatcher and the reconciliation
// loop need, held by reference and never duplicated into package
// globals (§9).
type daemon struct {
	cfg        *config.Config
	log        *logrus.Entry
	holder     *container.Holder
	dispatcher *dispatch.Dispatcher
	store      *store.Store
	network    *network.Network
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("portod: load config: %w", err)
	}

	log := newLogger()

	d, err := newDaemon(cfg, log)
	if err != nil {
		return err
	}
	defer d.store.Close()

	listener, err := listen(cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("portod: listen: %w", err)
	}
	defer listener.Close()

	go d.reapChildren(log)
	d.serve(listener)
	return nil
}

// newLogger builds the daemon's structured logger. Grounded on the
// teacher's own logrus-everywhere convention (daemon/logger, cmd/dockerd):
// one configured *logrus.Logger threaded through every package as a
// *logrus.Entry, never read back from a package-level variable.
func newLogger() *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logrus.NewEntry(l)
}

func newDaemon(cfg *config.Config, log *logrus.Entry) (*daemon, error) {
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("portod: open store: %w", err)
	}

	cgroups, err := cgroup.DiscoverRegistry(cfg.PortoSubtree)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("portod: discover cgroup mounts: %w", err)
	}

	registry := property.Default()
	holder := container.NewHolder(registry, cgroups, cfg.MaxContainers, cfg.MaxContainerNameLen, log)

	records, err := st.LoadContainers()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("portod: load persisted containers: %w", err)
	}
	holder.Restore(records, cred.Cred{})

	volHolder := volume.NewHolder(volumeBackends(cfg, log), 4096)
	layers := volume.NewLayerStore(cfg.VolumesDir)

	persistedVolumes, err := st.LoadVolumes()
	if err != nil {
		log.WithError(err).Warn("portod: load persisted volumes")
	} else {
		log.WithField("count", len(persistedVolumes)).Info("portod: loaded persisted volume records")
	}

	handle, err := nl.NewHandle()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("portod: open netlink handle: %w", err)
	}
	net := network.New(handle, networkConfig(cfg), true)
	binder := network.NewBinder(net)

	launcher := launch.NewLauncher(log)

	totalMem, err := hostTotalMemory()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("portod: read host memory total: %w", err)
	}

	dispatchCfg := dispatch.Config{
		SuperuserGroups:        cfg.SuperuserGroups,
		ContainerStopTimeoutS:  cfg.ContainerStopTimeoutS,
		TotalMemory:            totalMem,
		MemoryGuaranteeReserve: uint64(cfg.MemoryGuaranteeReserve),
	}
	disp := dispatch.New(holder, registry, volHolder, layers, st, binder, launcher, dispatchCfg, log)

	return &daemon{
		cfg:        cfg,
		log:        log,
		holder:     holder,
		dispatcher: disp,
		store:      st,
		network:    net,
	}, nil
}

// hostTotalMemory reads /proc/meminfo's MemTotal line, the real ceiling
// checkGuarantee enforces the root's memory_guarantee sum against (§4.3
// Start's resource-guarantee check).
func hostTotalMemory() (uint64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("portod: read /proc/meminfo: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("portod: parse MemTotal: %w", err)
			}
			return kb * 1024, nil
		}
	}
	return 0, fmt.Errorf("portod: MemTotal not found in /proc/meminfo")
}

func volumeBackends(cfg *config.Config, log *logrus.Entry) map[volume.Backend]volume.Driver {
	backends := map[volume.Backend]volume.Driver{
		volume.BackendPlain: volume.PlainBackend{},
		volume.BackendLoop:  &volume.LoopBackend{},
	}
	if ctrl, err := quota.NewControl(cfg.VolumesDir); err != nil {
		log.WithError(err).Warn("portod: project quota unavailable, native/overlay backends disabled")
	} else {
		backends[volume.BackendNative] = volume.NativeBackend{Control: ctrl}
		backends[volume.BackendOverlay] = volume.OverlayBackend{Control: ctrl}
	}
	return backends
}

func networkConfig(cfg *config.Config) network.Config {
	return network.Config{
		UnmanagedDevices: cfg.UnmanagedDevices,
		UnmanagedGroups:  cfg.UnmanagedGroups,
		DeviceRateBps:    cfg.DeviceRateBytes,
		DeviceCeilBps:    cfg.DeviceCeilBytes,
		DefaultLeafLimit: cfg.DefaultLeafQdiscLimit,
	}
}

// listen opens the unix stream socket clients connect to, replacing any
// stale socket file left behind by an unclean shutdown.
func listen(path string) (*net.UnixListener, error) {
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	return net.ListenUnix("unix", addr)
}

// serve accepts client connections and hands each to the dispatcher on
// its own goroutine, matching the one-goroutine-per-connection idiom
// net.Listener-based Go servers use throughout the teacher's API server.
func (d *daemon) serve(listener *net.UnixListener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			d.log.WithError(err).Warn("portod: accept")
			return
		}
		uconn, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}
		go d.dispatcher.ServeConn(uconn)
	}
}

// reapChildren is the SIGCHLD reconciliation loop of §4.3 "Dead
// handling": wait4 in a loop, match the reporting pid against the
// holder, and mark the container Dead.
func (d *daemon) reapChildren(log *logrus.Entry) {
	ch := make(chan os.Signal, 16)
	signal.Notify(ch, syscall.SIGCHLD)
	for range ch {
		for {
			var status syscall.WaitStatus
			pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
			if pid <= 0 || err != nil {
				break
			}
			c := d.holder.MatchWaitPid(pid)
			if c == nil {
				continue
			}
			c.MarkDead(container.ExitStatusFromWait(status), c.OomKilled())
			if rec := c.ToRecord(); d.store != nil {
				if err := d.store.SaveContainer(rec); err != nil {
					log.WithError(err).Warn("portod: persist container record after exit")
				}
			}
		}
	}
}
