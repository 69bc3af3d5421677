//go:build linux || darwin

package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/tinyrange/rvm/internal/chipset"
	"github.com/tinyrange/rvm/internal/config"
	"github.com/tinyrange/rvm/internal/console"
	"github.com/tinyrange/rvm/internal/hv"
	"github.com/tinyrange/rvm/internal/trap"
)

type lookupQuery struct {
	kind trap.Kind
	addr uint64
}

func parseLookup(s string) (lookupQuery, error) {
	kindName, addrStr, ok := strings.Cut(s, ":")
	if !ok {
		return lookupQuery{}, fmt.Errorf("lookup %q: want kind:addr", s)
	}
	kind, err := trap.ParseKindName(kindName)
	if err != nil {
		return lookupQuery{}, err
	}
	addr, err := strconv.ParseUint(addrStr, 0, 64)
	if err != nil {
		return lookupQuery{}, fmt.Errorf("lookup %q: %w", s, err)
	}
	return lookupQuery{kind: kind, addr: addr}, nil
}

// writeQuery is a one byte guest store dispatched through the chipset.
type writeQuery struct {
	lookupQuery
	value byte
}

func parseWrite(s string) (writeQuery, error) {
	target, valueStr, ok := strings.Cut(s, "=")
	if !ok {
		return writeQuery{}, fmt.Errorf("write %q: want kind:addr=value", s)
	}
	q, err := parseLookup(target)
	if err != nil {
		return writeQuery{}, err
	}
	if q.kind == trap.KindBell {
		return writeQuery{}, fmt.Errorf("write %q: %w", s, hv.ErrNotSupported)
	}
	value, err := strconv.ParseUint(valueStr, 0, 8)
	if err != nil {
		return writeQuery{}, fmt.Errorf("write %q: %w", s, err)
	}
	return writeQuery{lookupQuery: q, value: byte(value)}, nil
}

func newLogger(verbose, jsonLogs bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if !jsonLogs && term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

type guestInstance struct {
	guest   *hv.Guest
	chipset *chipset.Chipset
}

func (gi guestInstance) close() error {
	if err := gi.chipset.Close(); err != nil {
		return err
	}
	return gi.guest.Close()
}

func createGuest(counter *hv.GuestCounter, backend string, gc config.GuestConfig, out io.Writer, log *slog.Logger) (guestInstance, error) {
	set, err := openMemorySet(backend)
	if err != nil {
		return guestInstance{}, err
	}
	handle := hv.NewMemoryHandle(set)
	defer handle.Release()

	g, err := hv.NewGuest(counter, handle, hv.WithName(gc.Name), hv.WithLogger(log))
	if err != nil {
		return guestInstance{}, err
	}
	if err := gc.Apply(g); err != nil {
		g.Close()
		return guestInstance{}, err
	}
	cs, err := gc.Chipset(g, out)
	if err != nil {
		g.Close()
		return guestInstance{}, err
	}
	if err := cs.Start(); err != nil {
		cs.Close()
		g.Close()
		return guestInstance{}, err
	}
	return guestInstance{guest: g, chipset: cs}, nil
}

// run creates the configured guests, performs the writes and lookups, and
// tears everything down again. Lookup results go to out, UART output to
// serial.
func run(configPath string, queries []lookupQuery, writes []writeQuery, out, serial io.Writer, log *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	counter := hv.NewGuestCounter(cfg.MaxGuests)
	var instances []guestInstance
	defer func() {
		for _, gi := range instances {
			if err := gi.chipset.Stop(); err != nil {
				log.Warn("failed to stop devices", "guest", gi.guest.Name(), "error", err)
			}
			if err := gi.close(); err != nil {
				log.Warn("failed to close guest", "guest", gi.guest.Name(), "error", err)
			}
		}
	}()

	for _, gc := range cfg.Guests {
		gi, err := createGuest(counter, cfg.Backend, gc, serial, log)
		if err != nil {
			return err
		}
		instances = append(instances, gi)
		g := gi.guest
		log.Info("guest ready", "guest", g.Name(),
			"page_table", fmt.Sprintf("%#x", uint64(g.PageTableRoot())),
			"io_traps", len(g.Traps(trap.KindIO)), "mem_traps", len(g.Traps(trap.KindMem)),
			"devices", len(gc.Devices), "live", counter.Live(), "max", counter.Max())
	}

	for _, w := range writes {
		for _, gi := range instances {
			if _, ok := gi.guest.LookupTrap(w.kind, w.addr); !ok {
				continue
			}
			data := []byte{w.value}
			if w.kind == trap.KindIO {
				err = gi.chipset.HandlePIO(uint16(w.addr), data, true)
			} else {
				err = gi.chipset.HandleMMIO(w.addr, data, true)
			}
			if err != nil {
				return fmt.Errorf("guest %q: %w", gi.guest.Name(), err)
			}
		}
	}

	for _, q := range queries {
		for _, gi := range instances {
			g := gi.guest
			if t, ok := g.LookupTrap(q.kind, q.addr); ok {
				fmt.Fprintf(out, "%s %s 0x%x -> key %d [0x%x-0x%x)\n", g.Name(), q.kind, q.addr, t.Key, t.Addr, t.End())
			} else {
				fmt.Fprintf(out, "%s %s 0x%x -> no trap\n", g.Name(), q.kind, q.addr)
			}
		}
	}
	return nil
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "Guest configuration file (YAML)")
	verbose := fs.Bool("v", false, "Enable debug logging")
	jsonLogs := fs.Bool("json", false, "Always log as JSON")
	screen := fs.Bool("console", false, "Render UART output on a virtual terminal and print the final screen")
	var queries []lookupQuery
	fs.Func("lookup", "Resolve kind:addr (e.g. io:0x3f8) against every guest; may be repeated", func(s string) error {
		q, err := parseLookup(s)
		if err != nil {
			return err
		}
		queries = append(queries, q)
		return nil
	})
	var writes []writeQuery
	fs.Func("write", "Store a byte at kind:addr=value (e.g. io:0x3f8=0x41) through each guest's devices; may be repeated", func(s string) error {
		w, err := parseWrite(s)
		if err != nil {
			return err
		}
		writes = append(writes, w)
		return nil
	})

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *configPath == "" {
		fs.Usage()
		os.Exit(1)
	}

	log := newLogger(*verbose, *jsonLogs)
	slog.SetDefault(log)

	var serial io.Writer = os.Stdout
	var con *console.Console
	if *screen {
		con = console.New(0, 0)
		serial = con
	}

	err := run(*configPath, queries, writes, os.Stdout, serial, log)
	if con != nil {
		for _, line := range con.Lines() {
			fmt.Println(line)
		}
		con.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "rvmctl: %v\n", err)
		os.Exit(1)
	}
}
