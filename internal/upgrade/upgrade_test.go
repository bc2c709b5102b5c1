package upgrade

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"
)

// newReleaseServer serves the GitHub release endpoints for repo acme/app:
// the latest-release JSON and one platform asset with the given body.
func newReleaseServer(t *testing.T, tag string, assetBody []byte) *httptest.Server {
	t.Helper()
	assetName := fmt.Sprintf("app_%s_%s", runtime.GOOS, runtime.GOARCH)
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/repos/acme/app/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua == "" {
			t.Error("release request has no User-Agent")
		}
		fmt.Fprintf(w, `{
			"tag_name": %q,
			"assets": [
				{"name": "checksums.txt", "browser_download_url": "%s/dl/checksums.txt", "size": 3},
				{"name": %q, "browser_download_url": "%s/dl/%s", "size": %d}
			]
		}`, tag, srv.URL, assetName, srv.URL, assetName, len(assetBody))
	})
	mux.HandleFunc("/dl/", func(w http.ResponseWriter, r *http.Request) {
		w.Write(assetBody)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testUpgrader(srvURL, current string) *Upgrader {
	u := New("acme/app", nil)
	u.apiBase = srvURL
	u.current = current
	return u
}

func TestCheckReportsUpdate(t *testing.T) {
	srv := newReleaseServer(t, "v1.2.0", []byte("bin"))
	u := testUpgrader(srv.URL, "v1.1.0")

	current, latest, available, err := u.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if current != "v1.1.0" || latest != "v1.2.0" || !available {
		t.Errorf("Check() = %q, %q, %v; want v1.1.0, v1.2.0, true", current, latest, available)
	}
}

func TestCheckUpToDate(t *testing.T) {
	srv := newReleaseServer(t, "v1.1.0", []byte("bin"))
	u := testUpgrader(srv.URL, "v1.1.0")

	_, _, available, err := u.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if available {
		t.Error("Check() reports update for equal versions")
	}
}

func TestCheckDevBuildNeverUpgrades(t *testing.T) {
	srv := newReleaseServer(t, "v9.9.9", []byte("bin"))
	u := testUpgrader(srv.URL, "dev")

	_, _, available, err := u.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if available {
		t.Error("dev build reports an available upgrade")
	}
}

func TestCheckNoReleases(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	u := testUpgrader(srv.URL, "v1.0.0")

	if _, _, _, err := u.Check(context.Background()); err == nil {
		t.Fatal("Check() against empty repo did not error")
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"v1.2.3", "v1.2.4", -1},
		{"v1.2.4", "v1.2.3", 1},
		{"v1.2.3", "v1.2.3", 0},
		{"1.2.3", "v1.2.3", 0},
		{"v1.9.0", "v1.10.0", -1},
		{"v1.2", "v1.2.0", 0},
		{"v2.0.0-rc1", "v2.0.0", -1},
		{"v2.0.0", "v2.0.0-rc1", 1},
		{"v2.0.0-rc1", "v2.0.0-rc2", -1},
		{"dev", "v1.0.0", 0},
		{"v1.0.0", "garbage", 0},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			if got := compareVersions(tt.a, tt.b); got != tt.want {
				t.Errorf("compareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSelectAsset(t *testing.T) {
	plat := runtime.GOOS + "_" + runtime.GOARCH
	assets := []asset{
		{Name: "app_checksums.txt"},
		{Name: "app_" + plat + ".tar.gz"},
		{Name: "app_other_mips64"},
		{Name: "app_" + plat},
	}
	a, err := selectAsset(assets)
	if err != nil {
		t.Fatalf("selectAsset() error: %v", err)
	}
	if a.Name != "app_"+plat {
		t.Errorf("selectAsset() = %q, want app_%s", a.Name, plat)
	}

	if _, err := selectAsset([]asset{{Name: "app_other_mips64"}}); err == nil {
		t.Error("selectAsset() with no platform match did not error")
	}
}

func TestApplySwapsBinary(t *testing.T) {
	newBody := []byte("#!/bin/sh\necho new\n")
	srv := newReleaseServer(t, "v2.0.0", newBody)

	dir := t.TempDir()
	exe := filepath.Join(dir, "app")
	if err := os.WriteFile(exe, []byte("old"), 0755); err != nil {
		t.Fatal(err)
	}

	u := testUpgrader(srv.URL, "v1.0.0")
	u.execPath = func() (string, error) { return exe, nil }

	if _, _, _, err := u.Check(context.Background()); err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if err := u.Apply(context.Background()); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	got, err := os.ReadFile(exe)
	if err != nil {
		t.Fatalf("read swapped binary: %v", err)
	}
	if string(got) != string(newBody) {
		t.Errorf("binary content = %q, want the downloaded body", got)
	}
	info, err := os.Stat(exe)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&0111 == 0 {
		t.Error("swapped binary is not executable")
	}
	if _, err := os.Stat(exe + ".old"); !os.IsNotExist(err) {
		t.Errorf("old binary still present: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("leftover files after swap: %v", entries)
	}
}

func TestApplyWithoutCheckFetches(t *testing.T) {
	newBody := []byte("fresh")
	srv := newReleaseServer(t, "v2.0.0", newBody)

	dir := t.TempDir()
	exe := filepath.Join(dir, "app")
	if err := os.WriteFile(exe, []byte("old"), 0755); err != nil {
		t.Fatal(err)
	}

	u := testUpgrader(srv.URL, "v1.0.0")
	u.execPath = func() (string, error) { return exe, nil }

	if err := u.Apply(context.Background()); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	got, _ := os.ReadFile(exe)
	if string(got) != "fresh" {
		t.Errorf("binary content = %q, want fresh", got)
	}
}

func TestRestartDisarmsThenExecs(t *testing.T) {
	var mu sync.Mutex
	var order []string

	u := New("acme/app", func() {
		mu.Lock()
		order = append(order, "disarm")
		mu.Unlock()
	})
	u.restartDelay = time.Millisecond
	u.execPath = func() (string, error) { return "/fake/omniclaw", nil }
	u.startProc = func(exe string, args []string) error {
		mu.Lock()
		order = append(order, "exec "+exe)
		mu.Unlock()
		return nil
	}
	exitCode := make(chan int, 1)
	u.exit = func(code int) { exitCode <- code }

	if err := u.Restart(); err != nil {
		t.Fatalf("Restart() error: %v", err)
	}

	select {
	case code := <-exitCode:
		if code != 0 {
			t.Errorf("exit code = %d, want 0", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("restart goroutine never exited")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"disarm", "exec /fake/omniclaw"}
	if len(order) != 2 || order[0] != want[0] || order[1] != want[1] {
		t.Errorf("restart order = %v, want %v", order, want)
	}
}

func TestRestartExecFailureExitsNonzero(t *testing.T) {
	u := New("acme/app", nil)
	u.restartDelay = time.Millisecond
	u.execPath = func() (string, error) { return "/fake/omniclaw", nil }
	u.startProc = func(exe string, args []string) error {
		return fmt.Errorf("exec format error")
	}
	exitCode := make(chan int, 1)
	u.exit = func(code int) { exitCode <- code }

	if err := u.Restart(); err != nil {
		t.Fatalf("Restart() error: %v", err)
	}
	select {
	case code := <-exitCode:
		if code != 1 {
			t.Errorf("exit code = %d, want 1", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("restart goroutine never exited")
	}
}
