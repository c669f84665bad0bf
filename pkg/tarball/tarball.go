package tarball

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/domain"
	"github.com/opst/kite/pkg/rules"
	"github.com/opst/kite/pkg/storage"
	"github.com/opst/kite/pkg/utils/rfctime"
)

// Maker turns checkout nodes into published source tarballs: it keeps
// a local mirror per tree, archives the target commit, uploads the
// archive and advances the node to available.
type Maker struct {
	store     api.Client
	blobs     storage.Store
	mirrorDir string
	holdoff   time.Duration
	logger    *log.Logger

	// one worker per tree: mirror updates are a serialized local resource
	mu    sync.Mutex
	trees map[string]*sync.Mutex
}

func NewMaker(
	store api.Client,
	blobs storage.Store,
	mirrorDir string,
	holdoff time.Duration,
	logger *log.Logger,
) *Maker {
	return &Maker{
		store:     store,
		blobs:     blobs,
		mirrorDir: mirrorDir,
		holdoff:   holdoff,
		logger:    logger,
		trees:     map[string]*sync.Mutex{},
	}
}

func (m *Maker) treeLock(tree string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.trees[tree]
	if !ok {
		l = &sync.Mutex{}
		m.trees[tree] = l
	}
	return l
}

// Process handles one created checkout node end to end.
//
// A git failure is the sole way a checkout fails: the node goes
// done/fail and spawns nothing. An upload failure leaves the node
// running for the next attempt.
func (m *Maker) Process(ctx context.Context, node domain.Node) error {
	rev := node.Data.KernelRevision
	if rev == nil || rev.Commit == "" {
		return fmt.Errorf("checkout %s has no revision", node.ID)
	}

	lock := m.treeLock(rev.Tree)
	lock.Lock()
	defer lock.Unlock()

	mirror := filepath.Join(m.mirrorDir, rev.Tree)
	describe, archive, err := m.prepare(ctx, mirror, node)
	if err != nil {
		m.logger.Printf("%s: git failure: %v", node.ID, err)
		node.State = domain.Done
		node.Result = domain.Fail
		node.Data.ErrorCode = "git_checkout_failure"
		node.Data.ErrorMsg = err.Error()
		if _, uerr := m.store.UpdateNode(ctx, node, domain.Running); uerr != nil {
			return uerr
		}
		return err
	}
	defer os.Remove(archive)

	tarball, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer tarball.Close()

	url, err := m.blobs.Upload(ctx, filepath.Base(archive), tarball)
	if err != nil {
		// the node stays running; the operation is retried
		m.logger.Printf("%s: upload failure (will retry): %v", node.ID, err)
		return err
	}
	m.logger.Printf("%s: tarball %s", node.ID, url)

	rev.Describe = describe
	if version, patchlevel, ok := rules.ParseVersion(describe); ok {
		rev.Version = version
		rev.Patchlevel = patchlevel
	}
	if node.Artifacts == nil {
		node.Artifacts = map[string]string{}
	}
	node.Artifacts["tarball"] = url
	node.State = domain.Available
	holdoff := rfctime.New(time.Now().Add(m.holdoff))
	node.Holdoff = &holdoff

	_, err = m.store.UpdateNode(ctx, node, domain.Running)
	return err
}

// prepare updates the mirror to the target commit and produces the
// gzipped archive, returning the describe string and the archive path.
func (m *Maker) prepare(
	ctx context.Context, mirror string, node domain.Node,
) (string, string, error) {
	rev := node.Data.KernelRevision

	if err := m.updateMirror(ctx, mirror, rev); err != nil {
		return "", "", err
	}

	if err := m.git(ctx, mirror, "checkout", "--detach", rev.Commit); err != nil {
		return "", "", err
	}

	if 0 < len(node.Artifacts) {
		// patchset children carry patch URLs as artifacts; apply them
		// onto the detached head before archiving
		if err := m.applyPatches(ctx, mirror, node); err != nil {
			return "", "", err
		}
	}

	describe, err := m.gitOutput(ctx, mirror, "describe", "--always")
	if err != nil {
		return "", "", err
	}
	describe = strings.TrimSpace(describe)

	name := strings.Join([]string{"linux", rev.Tree, rev.Branch, describe}, "-")
	archive := filepath.Join(os.TempDir(), name+".tar.gz")
	if err := m.archive(ctx, mirror, name, archive); err != nil {
		return "", "", err
	}
	return describe, archive, nil
}

func (m *Maker) updateMirror(ctx context.Context, mirror string, rev *domain.Revision) error {
	if _, err := os.Stat(filepath.Join(mirror, ".git")); err != nil {
		if err := os.MkdirAll(filepath.Dir(mirror), 0o755); err != nil {
			return err
		}
		if err := m.git(ctx, "", "clone", rev.URL, mirror); err != nil {
			return err
		}
	}
	if err := m.git(ctx, mirror, "remote", "set-url", "origin", rev.URL); err != nil {
		return err
	}
	return m.git(ctx, mirror, "fetch", "origin", rev.Branch)
}

func (m *Maker) applyPatches(ctx context.Context, mirror string, node domain.Node) error {
	for name, url := range node.Artifacts {
		if !strings.HasPrefix(name, "patch") {
			continue
		}
		patch, err := fetch(ctx, url)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", name, err)
		}
		cmd := exec.CommandContext(ctx, "git", "apply", "--index")
		cmd.Dir = mirror
		cmd.Stdin = strings.NewReader(string(patch))
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("applying %s: %w: %s", name, err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

func fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if 400 <= resp.StatusCode {
		return nil, fmt.Errorf("status code = %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// archive writes "git archive | gzip" without shelling a pipeline out.
func (m *Maker) archive(ctx context.Context, mirror, prefix, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	gz, err := gzip.NewWriterLevel(out, gzip.BestSpeed)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(
		ctx, "git", "archive", "--format=tar", "--prefix="+prefix+"/", "HEAD",
	)
	cmd.Dir = mirror
	cmd.Stdout = gz
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("git archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		os.Remove(dest)
		return err
	}
	return nil
}

func (m *Maker) git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (m *Maker) gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(out), nil
}
