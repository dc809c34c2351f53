package assets

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/megamlab/megamd"
	"github.com/megamlab/megamd/internal/config"
)

// bundle builds a tar.gz with the given files.
func bundle(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func catalog(t *testing.T, url string) []config.Asset {
	return []config.Asset{{
		Key:         "card",
		DisplayName: "CARD",
		InstallPath: filepath.Join(t.TempDir(), "databases", "card"),
		URL:         url,
		ProbeFile:   "sequences.fa",
		Required:    true,
	}}
}

func waitState(t *testing.T, m *Manager, key, want string) Progress {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		p, err := m.Progress(key)
		if err != nil {
			t.Fatal(err)
		}
		if p.State == want {
			return p
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for state %q", want)
	return Progress{}
}

func TestDownloadAndInstall(t *testing.T) {
	content := bundle(t, map[string]string{
		"sequences.fa":   ">aro_3000001\nACGTACGT\n",
		"index/meta.txt": "v3.2.9\n",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	m := New(catalog(t, srv.URL+"/card.tar.gz"), 2, zap.NewNop().Sugar())

	// Fresh catalog: nothing installed.
	list := m.List()
	if len(list) != 1 || list[0].Installed || list[0].DownloadState != StateIdle {
		t.Fatalf("initial list: %+v", list)
	}

	if err := m.Update("card"); err != nil {
		t.Fatal(err)
	}
	p := waitState(t, m, "card", StateIdle)
	if p.Percent != 100 {
		t.Fatalf("final percent: %d", p.Percent)
	}

	st, err := m.Get("card")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Installed {
		t.Fatalf("not installed after download: %+v", st)
	}
	if st.SizeBytes <= 0 {
		t.Fatalf("size: %d", st.SizeBytes)
	}
	b, err := os.ReadFile(filepath.Join(st.InstallPath, "index", "meta.txt"))
	if err != nil || string(b) != "v3.2.9\n" {
		t.Fatalf("extracted file: %q, %v", b, err)
	}
	if _, err := os.Stat(filepath.Join(st.InstallPath, receiptName)); err != nil {
		t.Fatalf("receipt: %v", err)
	}
}

func TestConcurrentUpdateRejected(t *testing.T) {
	release := make(chan struct{})
	content := bundle(t, map[string]string{"sequences.fa": "x"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write(content)
	}))
	defer srv.Close()

	m := New(catalog(t, srv.URL), 2, zap.NewNop().Sugar())
	if err := m.Update("card"); err != nil {
		t.Fatal(err)
	}
	err := m.Update("card")
	if !errors.Is(err, megamd.ErrAlreadyDownloading) {
		t.Fatalf("second update: got %v, want already_downloading", err)
	}
	close(release)
	waitState(t, m, "card", StateIdle)

	// After completion a fresh update is permitted again.
	if err := m.Update("card"); err != nil {
		t.Fatalf("update after completion: %v", err)
	}
	waitState(t, m, "card", StateIdle)
}

func TestDownloadErrorRecorded(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	m := New(catalog(t, srv.URL+"/missing.tar.gz"), 2, zap.NewNop().Sugar())
	if err := m.Update("card"); err != nil {
		t.Fatal(err)
	}
	p := waitState(t, m, "card", StateError)
	if p.LastMessage == "" {
		t.Fatal("error state must carry a message")
	}
	st, _ := m.Get("card")
	if st.LastError == "" || st.Installed {
		t.Fatalf("status after failure: %+v", st)
	}

	// Error state does not block a retry.
	if err := m.Update("card"); err != nil {
		t.Fatalf("retry after error: %v", err)
	}
	waitState(t, m, "card", StateError)
}

func TestPartialDataTreatedAbsent(t *testing.T) {
	content := bundle(t, map[string]string{"sequences.fa": "fresh"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	cat := catalog(t, srv.URL)
	// Simulate a crashed earlier extraction: data present, probe missing.
	if err := os.MkdirAll(cat[0].InstallPath, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cat[0].InstallPath, "partial.tmp"), []byte("junk"), 0644); err != nil {
		t.Fatal(err)
	}

	m := New(cat, 2, zap.NewNop().Sugar())
	if st, _ := m.Get("card"); st.Installed {
		t.Fatal("partial data must read as not installed")
	}

	if err := m.Update("card"); err != nil {
		t.Fatal(err)
	}
	waitState(t, m, "card", StateIdle)

	if _, err := os.Stat(filepath.Join(cat[0].InstallPath, "partial.tmp")); !os.IsNotExist(err) {
		t.Fatal("stale partial data must be overwritten")
	}
	if st, _ := m.Get("card"); !st.Installed {
		t.Fatal("fresh bundle must probe installed")
	}
}

func TestUnknownKey(t *testing.T) {
	m := New(nil, 2, zap.NewNop().Sugar())
	if _, err := m.Get("nope"); !errors.Is(err, megamd.ErrNotFound) {
		t.Fatalf("Get: %v", err)
	}
	if err := m.Update("nope"); !errors.Is(err, megamd.ErrNotFound) {
		t.Fatalf("Update: %v", err)
	}
	if _, err := m.Progress("nope"); !errors.Is(err, megamd.ErrNotFound) {
		t.Fatalf("Progress: %v", err)
	}
}
