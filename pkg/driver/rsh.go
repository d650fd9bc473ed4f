package driver

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"
)

const DefaultRSHCommand = "ssh"

// RemoteShell starts jobs on a fixed set of hosts through a remote shell
// client running as a local child, e.g. `ssh host cmd args...`.
type RemoteShell struct {
	mu      sync.Mutex
	command string
	hosts   map[string]*rshHost
	owners  map[*process]*rshHost
	procs   processTable
	logger  zerolog.Logger
}

type rshHost struct {
	name  string
	slots int
	used  int
}

func NewRemoteShell(command string) *RemoteShell {
	if command == "" {
		command = DefaultRSHCommand
	}
	return &RemoteShell{
		command: command,
		hosts:   make(map[string]*rshHost),
		owners:  make(map[*process]*rshHost),
		logger:  log.With().Str("component", "driver").Str("driver", "rsh").Logger(),
	}
}

func (d *RemoteShell) Name() string { return "rsh" }

// AddHost registers host with the given number of job slots. Adding a known
// host replaces its slot count.
func (d *RemoteShell) AddHost(name string, slots int) {
	if slots <= 0 {
		slots = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.hosts[name]; ok {
		h.slots = slots
		return
	}
	d.hosts[name] = &rshHost{name: name, slots: slots}
}

// SetOption accepts "rsh_cmd" and "host". Host values are "name:slots"
// entries separated by whitespace or commas, or a map of name to slots.
func (d *RemoteShell) SetOption(key string, value any) error {
	switch strings.ToLower(key) {
	case "rsh_cmd", "command":
		d.mu.Lock()
		d.command = cast.ToString(value)
		d.mu.Unlock()
	case "host", "hosts", "rsh_host":
		if m, ok := value.(map[string]any); ok {
			for name, slots := range m {
				d.AddHost(name, cast.ToInt(slots))
			}
			return nil
		}
		for _, entry := range strings.FieldsFunc(cast.ToString(value), func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n'
		}) {
			name, slots, err := parseHostEntry(entry)
			if err != nil {
				return err
			}
			d.AddHost(name, slots)
		}
	default:
		return ErrUnknownOption
	}
	return nil
}

func parseHostEntry(entry string) (string, int, error) {
	name, count, found := strings.Cut(entry, ":")
	if name == "" {
		return "", 0, fmt.Errorf("empty host in %q", entry)
	}
	if !found {
		return name, 1, nil
	}
	n, err := strconv.Atoi(count)
	if err != nil || n <= 0 {
		return "", 0, fmt.Errorf("bad slot count in %q", entry)
	}
	return name, n, nil
}

// acquire reserves a slot on the host with the most free slots.
func (d *RemoteShell) acquire() (*rshHost, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.hosts))
	for name := range d.hosts {
		names = append(names, name)
	}
	sort.Strings(names)

	var best *rshHost
	for _, name := range names {
		h := d.hosts[name]
		if h.used >= h.slots {
			continue
		}
		if best == nil || h.slots-h.used > best.slots-best.used {
			best = h
		}
	}
	if best == nil {
		return nil, "", ErrNoCapacity
	}
	best.used++
	return best, d.command, nil
}

func (d *RemoteShell) Submit(_ context.Context, req Request) (Handle, error) {
	host, command, err := d.acquire()
	if err != nil {
		return nil, err
	}
	args := append([]string{host.name, req.Command}, req.Args...)
	p, err := startProcess(req, command, args...)
	if err != nil {
		d.mu.Lock()
		host.used--
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Lock()
	d.owners[p] = host
	d.mu.Unlock()
	d.procs.add(p)
	d.logger.Debug().Str("host", host.name).Str("handle", p.String()).Msg("remote job started")
	return p, nil
}

func (d *RemoteShell) Poll(_ context.Context, h Handle) Status {
	p, ok := d.procs.lookup(h)
	if !ok {
		return StatusVanished
	}
	return p.status()
}

func (d *RemoteShell) Kill(_ context.Context, h Handle) error {
	p, ok := d.procs.lookup(h)
	if !ok {
		return ErrUnknownHandle
	}
	return p.kill()
}

func (d *RemoteShell) Release(h Handle) {
	p, ok := d.procs.remove(h)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if host, ok := d.owners[p]; ok {
		host.used--
		delete(d.owners, p)
	}
}

// FreeSlots returns the number of unused slots over all hosts.
func (d *RemoteShell) FreeSlots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	free := 0
	for _, h := range d.hosts {
		free += h.slots - h.used
	}
	return free
}
