package config

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// DefaultBaseDirectoryPath is where mfmount commands store
	// configuration and data. It defaults to $MFMOUNT_BASE if set,
	// otherwise $HOME/lib/mfmount. Commands override this via the
	// -base flag.
	DefaultBaseDirectoryPath string
)

func init() {
	if base := os.Getenv("MFMOUNT_BASE"); base != "" {
		DefaultBaseDirectoryPath = base
	} else {
		// The portable way of doing this is by using the os/user package,
		// but I only intend to run this on Linux.
		DefaultBaseDirectoryPath = os.ExpandEnv("$HOME/lib/mfmount")
	}
}

type C struct {
	// Listen on localhost or a local-only network, e.g., one for
	// containers hosted on your computer. There is no
	// authentication nor TLS so the control socket must not be
	// exposed on a public address.
	ListenNet  string
	ListenAddr string

	MFMountMount string

	// MediaFire account credentials. PasswordHash is whatever the
	// account's API expects in place of a plaintext password (the
	// retrieved client examples pass a pre-hashed value); mfmount
	// never holds a plaintext password.
	Email        string
	PasswordHash string

	// API application identity, required by every signed call.
	AppID  string
	AppKey string

	// Path to cache. Defaults to $base/cache.
	CacheDirectory string

	// Budget for FileCache.Cleanup, in bytes. Neither command passes
	// it to Cleanup; Cleanup applies its budget literally, so a budget
	// of zero evicts every cached file.
	CacheBudgetBytes uint64

	// Directory holding the mfmount config file and other files.
	// Other directories and files are derived from this.
	base string
}

// Load loads the configuration from the file called "config" in the provided base
// directory.
func Load(base string) (*C, error) {
	filename := filepath.Join(base, "config")
	if fi, err := os.Stat(filename); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	} else if fi.Mode()&0077 != 0 {
		return nil, fmt.Errorf("config.Load %q: mode is %#o, want at most %#o",
			filename, fi.Mode()&0777, fi.Mode()&0700)
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		// Ignore error closing file opened only for reading.
		_ = f.Close()
	}()
	c, err := load(f)
	if err != nil {
		return nil, err
	}
	c.base = base
	if c.Email == "" || c.PasswordHash == "" {
		return nil, errorf("Load", "%q: missing email or password-hash", filename)
	}
	if c.AppID == "" {
		return nil, errorf("Load", "%q: missing app-id", filename)
	}
	if c.ListenNet == "" && c.ListenAddr == "" {
		c.ListenNet = "unix"
	}
	if c.ListenNet == "unix" && c.ListenAddr == "" {
		c.ListenAddr = filepath.Join(base, "control")
	}
	return c, nil
}

func load(f io.Reader) (*C, error) {
	c := C{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		i := strings.IndexAny(line, " 	")
		if i == -1 {
			return nil, fmt.Errorf("load: no separator in %q", line)
		}
		key, val := line[:i], strings.TrimSpace(line[i:])
		var err error
		switch key {
		case "cache-directory":
			c.CacheDirectory = val
		case "cache-budget-bytes":
			c.CacheBudgetBytes, err = strconv.ParseUint(val, 10, 64)
		case "email":
			c.Email = val
		case "password-hash":
			c.PasswordHash = val
		case "app-id":
			c.AppID = val
		case "app-key":
			c.AppKey = val
		case "listen-addr":
			c.ListenAddr = val
		case "listen-net":
			c.ListenNet = val
		case "mount":
			c.MFMountMount = val
		default:
			return nil, fmt.Errorf("load: unknown key %q", key)
		}
		if err != nil {
			return nil, fmt.Errorf("load: key %q: %w", key, err)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return &c, nil
}

func (c *C) CacheDirectoryPath() string {
	if c.CacheDirectory != "" {
		return c.CacheDirectory
	}
	return path.Join(c.base, "cache")
}

func (c *C) SnapshotFilePath() string {
	return path.Join(c.base, "snapshot")
}

// Initialize generates an initial configuration at the given directory.
// The caller is expected to edit in real account credentials afterward;
// this only lays down a syntactically valid starting point, mirroring
// the teacher's own placeholder-generating Initialize.
func Initialize(baseDir string) error {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return fmt.Errorf("%q: could not mkdir: %w", baseDir, err)
	}
	p := filepath.Join(baseDir, "config")
	_, err := os.Stat(p)
	if err == nil {
		return fmt.Errorf("%q: already exists", p)
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("%q: could not determine if it exists: %w", p, err)
	}

	var buf bytes.Buffer
	buf.WriteString("listen-net unix\n")
	buf.WriteString("email you@example.com\n")
	buf.WriteString("password-hash CHANGEME\n")
	buf.WriteString("app-id CHANGEME\n")
	buf.WriteString("mount /mnt/mfmount\n")
	err = ioutil.WriteFile(p, buf.Bytes(), 0600)
	if err != nil {
		return fmt.Errorf("config.Initialize %q: %w", p, err)
	}
	return nil
}
