// Command mfmountd runs the mfmount daemon: it loads the on-disk
// snapshot, reconciles against the remote MediaFire account, and
// serves a line-oriented control protocol for flush/rebuild/status,
// matching the shape of the teacher's 9P control file
// (cmd/musclefs/musclefs.go's runCommand dispatch over "flush"/"pull"/
// "push"/"dump") but over a plain socket, since the kernel filesystem
// binding that would otherwise carry the control file is out of scope
// here (§1).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/mfmount/mfmount/internal/config"
	"github.com/mfmount/mfmount/internal/entry"
	"github.com/mfmount/mfmount/internal/filecache"
	"github.com/mfmount/mfmount/internal/netutil"
	"github.com/mfmount/mfmount/internal/persist"
	"github.com/mfmount/mfmount/internal/reconcile"
	"github.com/mfmount/mfmount/internal/remoteclient"
	"github.com/mfmount/mfmount/internal/treestore"
	log "github.com/sirupsen/logrus"
)

const flushInterval = time.Minute

type daemon struct {
	cfg   *config.C
	store *treestore.Store

	mu         sync.Mutex
	entries    *entry.Store
	reconciler *reconcile.Reconciler
}

func (d *daemon) snapshot() error {
	f, err := os.OpenFile(d.cfg.SnapshotFilePath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("could not open snapshot file for writing: %w", err)
	}
	defer func() { _ = f.Close() }()
	d.mu.Lock()
	defer d.mu.Unlock()
	return persist.Encode(f, d.entries, d.reconciler.Revision())
}

func (d *daemon) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd := scanner.Text()
		var resp string
		switch cmd {
		case "flush":
			if err := d.snapshot(); err != nil {
				resp = fmt.Sprintf("error: %v", err)
			} else {
				resp = "flushed"
			}
		case "rebuild":
			d.mu.Lock()
			err := d.store.Rebuild(context.Background())
			d.mu.Unlock()
			if err != nil {
				resp = fmt.Sprintf("error: %v", err)
			} else {
				resp = "rebuilt"
			}
		case "status":
			d.mu.Lock()
			resp = fmt.Sprintf("revision %d", d.reconciler.Revision())
			d.mu.Unlock()
		default:
			resp = fmt.Sprintf("unknown command %q", cmd)
		}
		if _, err := io.WriteString(conn, resp+"\n"); err != nil {
			log.WithError(err).Warn("mfmountd: could not write control response")
			return
		}
	}
}

func main() {
	// Do NOT turn on agent.ShutdownCleanup. The signal loop below
	// returns from main only after a clean snapshot write; letting
	// gops kill the process first would skip that write.
	if err := agent.Listen(agent.Options{}); err != nil {
		log.Printf("Could not start gops agent: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	base := flag.String("base", config.DefaultBaseDirectoryPath, "Base directory for configuration, logs and cache files")
	flag.Parse()

	cfg, err := config.Load(*base)
	if err != nil {
		log.Fatalf("Could not load config from %q: %v", *base, err)
	}

	remote := remoteclient.New(remoteclient.Config{
		Email:        cfg.Email,
		PasswordHash: cfg.PasswordHash,
		AppID:        cfg.AppID,
		AppKey:       cfg.AppKey,
	}, nil)

	entries, revision, err := loadSnapshot(cfg)
	if err != nil {
		log.Fatalf("Could not load snapshot: %v", err)
	}

	reconciler := reconcile.New(entries, remote, revision)
	cache := filecache.New(cfg.CacheDirectoryPath(), entries, remote)
	store := treestore.New(entries, reconciler, cache, remote, 0)

	d := &daemon{cfg: cfg, store: store, entries: entries, reconciler: reconciler}

	listener, err := netutil.Listen(cfg.ListenNet, cfg.ListenAddr)
	if err != nil {
		log.Fatalf("Could not start control listener: %v", err)
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				log.Printf("Control listener accept failed: %v", err)
				return
			}
			go d.handleConn(conn)
		}
	}()

	go func() {
		for {
			time.Sleep(flushInterval)
			if err := d.snapshot(); err != nil {
				log.Printf("Could not flush: %v", err)
			}
		}
	}()

	log.Print("Awaiting a signal to flush and exit.")
	for sig := range sigc {
		log.Printf("Got signal %q, flushing before exiting.", sig)
		if err := d.snapshot(); err != nil {
			log.Printf("Flushing failed, won't quit: %+v", err)
			continue
		}
		log.Print("Flushed, quitting.")
		break
	}
	agent.Close()
}

// loadSnapshot reads the on-disk snapshot, starting from an empty
// store at revision 0 if none exists yet (first run).
func loadSnapshot(cfg *config.C) (*entry.Store, uint64, error) {
	f, err := os.Open(cfg.SnapshotFilePath())
	if os.IsNotExist(err) {
		return entry.NewStore(), 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()
	return persist.Decode(f)
}
