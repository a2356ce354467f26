package artifact

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// CacheDirEnv overrides the default cache root.
	CacheDirEnv = "CONDUIT_ARTIFACT_CACHE"

	defaultCacheSubdir = "artifacts"
)

// DefaultCacheDir returns the cache root shared by every resolver on this
// host: $CONDUIT_ARTIFACT_CACHE, else ~/.conduit/artifacts.
func DefaultCacheDir() (string, error) {
	return DefaultCacheDirWith(os.Getenv)
}

// DefaultCacheDirWith is DefaultCacheDir with an injectable getenv.
func DefaultCacheDirWith(getenv func(string) string) (string, error) {
	if p := getenv(CacheDirEnv); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".conduit", defaultCacheSubdir), nil
}

// cache is the on-disk resolution cache. Metadata lives under a directory
// keyed by resolver identity; payload bytes are shared by all identities.
//
//	{root}/meta/{sha1(identity)}/{group}/{name}/{version}.json
//	{root}/meta/{sha1(identity)}/{group}/{name}/ranges/{sha1(range)}
//	{root}/files/{group}/{name}/{version}/{file}
type cache struct {
	root string
	meta string
}

func newCache(root, identity string) *cache {
	return &cache{
		root: root,
		meta: filepath.Join(root, "meta", shortHash(identity)),
	}
}

func (c *cache) descriptorPath(co Coordinate) string {
	return filepath.Join(c.meta, co.Group, co.Name, co.Version+descriptorExt)
}

func (c *cache) rangePath(co Coordinate) string {
	return filepath.Join(c.meta, co.Group, co.Name, "ranges", shortHash(co.Version))
}

func (c *cache) filePath(co Coordinate, file string) string {
	return filepath.Join(c.root, "files", co.Group, co.Name, co.Version, file)
}

// loadDescriptor returns the cached descriptor, or nil when absent. A corrupt
// entry is treated as absent and will be overwritten.
func (c *cache) loadDescriptor(co Coordinate) *Descriptor {
	data, err := os.ReadFile(c.descriptorPath(co))
	if err != nil {
		return nil
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil || d.validate(co) != nil {
		return nil
	}
	return &d
}

func (c *cache) storeDescriptor(d *Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return writeFileAtomic(c.descriptorPath(d.Coordinate), bytes.NewReader(data), "", 0o644)
}

func (c *cache) loadRange(co Coordinate) (string, bool) {
	data, err := os.ReadFile(c.rangePath(co))
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(string(data))
	return v, v != ""
}

func (c *cache) storeRange(co Coordinate, version string) error {
	return writeFileAtomic(c.rangePath(co), strings.NewReader(version+"\n"), "", 0o644)
}

// hasFile is the idempotent "already present" check. Payloads are verified
// before they are renamed into place, so presence implies integrity.
func (c *cache) hasFile(co Coordinate, file string) bool {
	fi, err := os.Stat(c.filePath(co, file))
	return err == nil && fi.Mode().IsRegular()
}

// writeFileAtomic streams r into a temporary file beside dst and renames it
// into place with the given mode. When wantSHA256 is set the content must
// hash to it. Concurrent
// writers of the same dst are safe; the last rename wins with identical bytes.
func writeFileAtomic(dst string, r io.Reader, wantSHA256 string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", dst, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if wantSHA256 != "" {
		if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, wantSHA256) {
			return fmt.Errorf("%w: %s: want %s, got %s", ErrChecksumMismatch, filepath.Base(dst), wantSHA256, got)
		}
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// copyFile copies src to dst through writeFileAtomic, preserving the mode.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}
	return writeFileAtomic(dst, in, "", fi.Mode().Perm())
}

// payloadMode makes process plugins executable; everything else is plain data.
func payloadMode(file string) os.FileMode {
	switch filepath.Ext(file) {
	case "", ".plugin":
		return 0o755
	default:
		return 0o644
	}
}

func shortHash(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
