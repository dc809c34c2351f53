// Package assets tracks the reference database bundles the pipeline tools
// need: presence probes, on-disk size, and background downloads. A bundle
// is installed by downloading its tar.gz into a temporary directory next to
// the final location and renaming it into place, so readers never observe a
// half-extracted tree; partial data that fails the probe is treated as
// absent and overwritten by the next update.
package assets

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/megamlab/megamd"
	"github.com/megamlab/megamd/internal/config"
	"github.com/megamlab/megamd/internal/metrics"
)

// Download states.
const (
	StateIdle        = "idle"
	StateDownloading = "downloading"
	StateError       = "error"
)

// receiptName is written into the install path after a successful
// extraction, recording where the bundle came from.
const receiptName = ".bundle-info"

type errNotFound struct {
	url *url.URL
}

func (e errNotFound) Error() string {
	return fmt.Sprintf("%v: HTTP status 404", e.url)
}

var httpClient = &http.Client{Transport: &http.Transport{
	MaxIdleConnsPerHost: 4,
	DisableCompression:  true,
}}

// Status is the wire view of one asset.
type Status struct {
	Key                     string `json:"key"`
	DisplayName             string `json:"display_name"`
	InstallPath             string `json:"install_path"`
	Required                bool   `json:"required"`
	Installed               bool   `json:"installed"`
	SizeBytes               int64  `json:"size_bytes"`
	DownloadState           string `json:"download_state"`
	DownloadProgressPercent int    `json:"download_progress_percent"`
	LastError               string `json:"last_error,omitempty"`
}

// Progress is the wire view of one download session.
type Progress struct {
	State       string `json:"state"`
	Percent     int    `json:"percent"`
	LastMessage string `json:"last_message"`
}

type asset struct {
	cfg config.Asset

	mu      sync.Mutex
	state   string
	percent int
	lastMsg string
	lastErr string
}

// Manager tracks the configured catalog. At most one download per key; the
// semaphore bounds downloads across keys.
type Manager struct {
	order []string
	byKey map[string]*asset
	sem   chan struct{}
	log   *zap.SugaredLogger
}

func New(catalog []config.Asset, maxConcurrent int, log *zap.SugaredLogger) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	m := &Manager{
		byKey: make(map[string]*asset, len(catalog)),
		sem:   make(chan struct{}, maxConcurrent),
		log:   log,
	}
	for _, c := range catalog {
		m.order = append(m.order, c.Key)
		m.byKey[c.Key] = &asset{cfg: c, state: StateIdle}
	}
	return m
}

func (m *Manager) get(key string) (*asset, error) {
	a, ok := m.byKey[key]
	if !ok {
		return nil, xerrors.Errorf("asset %q: %w", key, megamd.ErrNotFound)
	}
	return a, nil
}

// installed probes the filesystem: prior writes are never trusted.
func (a *asset) installed() bool {
	_, err := os.Stat(filepath.Join(a.cfg.InstallPath, a.cfg.ProbeFile))
	return err == nil
}

func dirSize(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries just don't count
		}
		if info, err := d.Info(); err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}

func (a *asset) status() Status {
	a.mu.Lock()
	st := Status{
		Key:                     a.cfg.Key,
		DisplayName:             a.cfg.DisplayName,
		InstallPath:             a.cfg.InstallPath,
		Required:                a.cfg.Required,
		DownloadState:           a.state,
		DownloadProgressPercent: a.percent,
		LastError:               a.lastErr,
	}
	a.mu.Unlock()

	if a.installed() {
		st.Installed = true
		st.SizeBytes = dirSize(a.cfg.InstallPath)
	}
	return st
}

// List reports every configured asset in catalog order. Size probes walk
// whole database trees, so they run concurrently.
func (m *Manager) List() []Status {
	out := make([]Status, len(m.order))
	var eg errgroup.Group
	for i, key := range m.order {
		i, a := i, m.byKey[key]
		eg.Go(func() error {
			out[i] = a.status()
			return nil
		})
	}
	eg.Wait()
	return out
}

// Get reports a single asset.
func (m *Manager) Get(key string) (Status, error) {
	a, err := m.get(key)
	if err != nil {
		return Status{}, err
	}
	return a.status(), nil
}

// Progress reports the current download session for key.
func (m *Manager) Progress(key string) (Progress, error) {
	a, err := m.get(key)
	if err != nil {
		return Progress{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return Progress{State: a.state, Percent: a.percent, LastMessage: a.lastMsg}, nil
}

// Update starts a background download of key. A second update while one is
// in flight reports already_downloading; an update after an error starts a
// fresh session.
func (m *Manager) Update(key string) error {
	a, err := m.get(key)
	if err != nil {
		return err
	}
	a.mu.Lock()
	if a.state == StateDownloading {
		a.mu.Unlock()
		return xerrors.Errorf("asset %q: %w", key, megamd.ErrAlreadyDownloading)
	}
	a.state = StateDownloading
	a.percent = 0
	a.lastErr = ""
	a.lastMsg = "queued"
	a.mu.Unlock()

	go m.download(a)
	return nil
}

func (a *asset) setProgress(percent int, msg string) {
	a.mu.Lock()
	if percent > a.percent {
		a.percent = percent
	}
	a.lastMsg = msg
	a.mu.Unlock()
}

func (m *Manager) download(a *asset) {
	m.sem <- struct{}{}
	defer func() { <-m.sem }()
	metrics.DownloadsRunning.Inc()
	defer metrics.DownloadsRunning.Dec()

	start := time.Now()
	err := m.download1(a)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		m.log.Errorw("asset download failed", "key", a.cfg.Key, "err", err)
		a.state = StateError
		a.lastErr = err.Error()
		a.lastMsg = "failed: " + err.Error()
		return
	}
	a.state = StateIdle
	a.percent = 100
	a.lastMsg = fmt.Sprintf("installed in %v", time.Since(start).Round(time.Second))
	m.log.Infow("asset installed", "key", a.cfg.Key, "dur", time.Since(start))
}

func (m *Manager) download1(a *asset) error {
	req, err := http.NewRequest("GET", a.cfg.URL, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return &errNotFound{url: req.URL}
	}
	if resp.StatusCode != http.StatusOK {
		return xerrors.Errorf("%s: HTTP status %v", req.URL, resp.Status)
	}

	// Stale work directories of interrupted downloads are overwritten.
	tmpDir := a.cfg.InstallPath + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return err
	}
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	var written int64
	total := resp.ContentLength
	body := &countingReader{r: resp.Body, n: &written}
	progress := func() {
		if total > 0 {
			pct := int(written * 100 / total)
			if pct > 99 {
				pct = 99 // 100 is reserved for the installed state
			}
			a.setProgress(pct, fmt.Sprintf("fetched %s of %s", formatBytes(written), formatBytes(total)))
		} else {
			a.setProgress(0, fmt.Sprintf("fetched %s", formatBytes(written)))
		}
	}

	if err := extractTarGz(body, tmpDir, progress); err != nil {
		return xerrors.Errorf("extracting %s: %w", a.cfg.URL, err)
	}
	metrics.DownloadBytes.Add(float64(written))

	receipt := fmt.Sprintf("url: %s\nbytes: %d\nfetched: %s\n",
		a.cfg.URL, written, time.Now().UTC().Format(time.RFC3339))
	if err := renameio.WriteFile(filepath.Join(tmpDir, receiptName), []byte(receipt), 0644); err != nil {
		return err
	}

	// Replace whatever was there before; partial old data must not shadow
	// the fresh bundle.
	if err := os.RemoveAll(a.cfg.InstallPath); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.InstallPath), 0755); err != nil {
		return err
	}
	if err := os.Rename(tmpDir, a.cfg.InstallPath); err != nil {
		return err
	}

	if !a.installed() {
		return xerrors.Errorf("bundle for %q lacks probe file %s", a.cfg.Key, a.cfg.ProbeFile)
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n *int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddInt64(c.n, int64(n))
	return n, err
}

// extractTarGz unpacks a gzipped tarball into dest, refusing entries that
// would escape it. progress is called after each entry.
func extractTarGz(r io.Reader, dest string, progress func()) error {
	zr, err := pgzip.NewReader(r)
	if err != nil {
		return err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name := filepath.Clean(hdr.Name)
		if filepath.IsAbs(name) || strings.HasPrefix(name, "..") {
			return xerrors.Errorf("tar entry escapes destination: %q", hdr.Name)
		}
		target := filepath.Join(dest, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_RDWR|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			// Device nodes and the like do not appear in database bundles.
		}
		progress()
	}
}

func formatBytes(b int64) string {
	switch {
	case b > 1024*1024*1024:
		return fmt.Sprintf("%.2f GiB", float64(b)/1024/1024/1024)
	case b > 1024*1024:
		return fmt.Sprintf("%.2f MiB", float64(b)/1024/1024)
	case b > 1024:
		return fmt.Sprintf("%.2f KiB", float64(b)/1024)
	}
	return fmt.Sprintf("%d B", b)
}
