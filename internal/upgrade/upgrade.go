// Package upgrade checks GitHub releases for a newer build and swaps the
// running binary in place. It backs the /update and /restart commands.
package upgrade

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/version"
)

const (
	defaultRepo    = "nextlevelbuilder/omniclaw"
	defaultAPIBase = "https://api.github.com"

	// restartDelay gives the channel adapter time to deliver the
	// "Restarting." reply before the process goes away.
	defaultRestartDelay = 500 * time.Millisecond
)

type release struct {
	TagName string  `json:"tag_name"`
	Assets  []asset `json:"assets"`
}

type asset struct {
	Name string `json:"name"`
	URL  string `json:"browser_download_url"`
	Size int64  `json:"size"`
}

// Upgrader implements the commands.Updater contract: Check consults the
// GitHub releases API, Apply downloads and swaps the binary, Restart
// re-execs the current executable after disarming the crash sentinel.
type Upgrader struct {
	repo    string
	current string
	apiBase string
	client  *http.Client
	log     *slog.Logger

	disarm       func()
	restartDelay time.Duration
	execPath     func() (string, error)
	startProc    func(exe string, args []string) error
	exit         func(code int)

	mu     sync.Mutex
	latest *release
}

// New builds an Upgrader for the given "owner/name" repo. An empty repo
// falls back to the project default. disarm runs right before a restart so
// the next start is not flagged as a crash; nil is allowed.
func New(repo string, disarm func()) *Upgrader {
	if repo == "" {
		repo = defaultRepo
	}
	return &Upgrader{
		repo:         repo,
		current:      version.Version,
		apiBase:      defaultAPIBase,
		client:       &http.Client{Timeout: 5 * time.Minute},
		log:          slog.Default().With("component", "upgrade"),
		disarm:       disarm,
		restartDelay: defaultRestartDelay,
		execPath:     os.Executable,
		startProc:    startDetached,
		exit:         os.Exit,
	}
}

// Check fetches the latest release and compares it against the running
// version. Dev builds (unparseable version) never report an update.
func (u *Upgrader) Check(ctx context.Context) (current, latest string, available bool, err error) {
	rel, err := u.fetchLatest(ctx)
	if err != nil {
		return u.current, "", false, err
	}

	u.mu.Lock()
	u.latest = rel
	u.mu.Unlock()

	latest = rel.TagName
	if compareVersions(u.current, latest) < 0 {
		return u.current, latest, true, nil
	}
	return u.current, latest, false, nil
}

func (u *Upgrader) fetchLatest(ctx context.Context) (*release, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", u.apiBase, u.repo)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "omniclaw/"+u.current)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("no releases found for %s", u.repo)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github API returned %d", resp.StatusCode)
	}

	var rel release
	if err := json.Unmarshal(body, &rel); err != nil {
		return nil, fmt.Errorf("parse release: %w", err)
	}
	if rel.TagName == "" {
		return nil, fmt.Errorf("release has no tag")
	}
	return &rel, nil
}

// Apply downloads the release asset for this platform and swaps it in for
// the running binary. The old binary is kept as <exe>.old until the swap
// succeeds, then removed best-effort.
func (u *Upgrader) Apply(ctx context.Context) error {
	u.mu.Lock()
	rel := u.latest
	u.mu.Unlock()
	if rel == nil {
		fetched, err := u.fetchLatest(ctx)
		if err != nil {
			return err
		}
		rel = fetched
	}

	a, err := selectAsset(rel.Assets)
	if err != nil {
		return err
	}

	exe, err := u.execPath()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	u.log.Info("downloading release asset", "asset", a.Name, "version", rel.TagName)
	tmp, err := u.download(ctx, a, filepath.Dir(exe))
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Chmod(tmp, 0755); err != nil {
		return fmt.Errorf("chmod new binary: %w", err)
	}
	if err := swapBinary(exe, tmp); err != nil {
		return err
	}
	u.log.Info("binary updated", "version", rel.TagName, "path", exe)
	return nil
}

// download streams the asset into a temp file next to the executable so the
// final rename stays on one filesystem. Returns the temp path.
func (u *Upgrader) download(ctx context.Context, a asset, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", a.URL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "omniclaw/"+u.current)

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", a.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", a.Name, resp.StatusCode)
	}

	f, err := os.CreateTemp(dir, ".omniclaw-update-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write %s: %w", a.Name, err)
	}
	if a.Size > 0 && n != a.Size {
		os.Remove(f.Name())
		return "", fmt.Errorf("short download: got %d bytes, want %d", n, a.Size)
	}
	return f.Name(), nil
}

// swapBinary replaces exe with newPath via the rename dance: the running
// binary moves aside to <exe>.old first so the swap works while it executes.
func swapBinary(exe, newPath string) error {
	old := exe + ".old"
	os.Remove(old)
	if err := os.Rename(exe, old); err != nil {
		return fmt.Errorf("move current binary aside: %w", err)
	}
	if err := os.Rename(newPath, exe); err != nil {
		// Put the original back so the install stays runnable.
		if rerr := os.Rename(old, exe); rerr != nil {
			return fmt.Errorf("install new binary: %w (restore also failed: %v)", err, rerr)
		}
		return fmt.Errorf("install new binary: %w", err)
	}
	os.Remove(old)
	return nil
}

// selectAsset picks the asset built for this platform. Matching is by
// substring on GOOS and GOARCH, raw binaries only.
func selectAsset(assets []asset) (asset, error) {
	for _, a := range assets {
		name := strings.ToLower(a.Name)
		if strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".zip") ||
			strings.HasSuffix(name, ".txt") || strings.HasSuffix(name, ".sha256") {
			continue
		}
		if strings.Contains(name, runtime.GOOS) && strings.Contains(name, runtime.GOARCH) {
			return a, nil
		}
	}
	return asset{}, fmt.Errorf("no release asset for %s/%s", runtime.GOOS, runtime.GOARCH)
}

// Restart re-execs the current binary with the same arguments. The actual
// exec happens after a short delay so the caller's reply can flush; this
// method only schedules it and reports scheduling problems.
func (u *Upgrader) Restart() error {
	exe, err := u.execPath()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if u.disarm != nil {
		u.disarm()
	}
	u.log.Info("restart scheduled", "exe", exe, "delay", u.restartDelay)

	go func() {
		time.Sleep(u.restartDelay)
		if err := u.startProc(exe, os.Args[1:]); err != nil {
			u.log.Error("restart failed", "error", err)
			u.exit(1)
			return
		}
		u.exit(0)
	}()
	return nil
}

// startDetached launches the replacement process. The child inherits the
// standard streams; once it is running the parent exits and the child is
// reparented.
func startDetached(exe string, args []string) error {
	cmd := exec.Command(exe, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	return cmd.Start()
}

// compareVersions orders two version strings: -1 when a < b, 0 when equal,
// +1 when a > b. Tags may carry a leading v and a pre-release suffix; a
// pre-release sorts before its release. Unparseable versions (dev builds)
// never sort below anything, so they never trigger an upgrade.
func compareVersions(a, b string) int {
	an, apre, aok := parseVersion(a)
	bn, bpre, bok := parseVersion(b)
	if !aok || !bok {
		return 0
	}
	for i := 0; i < 3; i++ {
		if an[i] != bn[i] {
			if an[i] < bn[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case apre == bpre:
		return 0
	case apre == "":
		return 1
	case bpre == "":
		return -1
	case apre < bpre:
		return -1
	default:
		return 1
	}
}

func parseVersion(s string) (nums [3]int, pre string, ok bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "v")
	s = strings.TrimPrefix(s, "V")
	if s == "" {
		return nums, "", false
	}
	if i := strings.IndexByte(s, '-'); i >= 0 {
		pre = s[i+1:]
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	if len(parts) == 0 || len(parts) > 3 {
		return nums, "", false
	}
	for i, p := range parts {
		if p == "" {
			return nums, "", false
		}
		n := 0
		for _, r := range p {
			if r < '0' || r > '9' {
				return nums, "", false
			}
			n = n*10 + int(r-'0')
		}
		nums[i] = n
	}
	return nums, pre, true
}
