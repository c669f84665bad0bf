package trigger

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/config"
	"github.com/opst/kite/pkg/domain"
	"github.com/opst/kite/pkg/utils/rfctime"
)

// TipResolver resolves the current tip commit of a remote branch.
type TipResolver interface {
	Tip(ctx context.Context, url, branch string) (string, error)
}

// GitResolver asks the remote with ls-remote, paced by a shared rate
// limit so a large catalog does not hammer the forges.
type GitResolver struct {
	Limiter *rate.Limiter
}

func NewGitResolver() *GitResolver {
	// one remote query a second, short bursts allowed
	return &GitResolver{Limiter: rate.NewLimiter(rate.Every(time.Second), 5)}
}

func (g *GitResolver) Tip(ctx context.Context, url, branch string) (string, error) {
	if g.Limiter != nil {
		if err := g.Limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	cmd := exec.CommandContext(ctx, "git", "ls-remote", url, "refs/heads/"+branch)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git ls-remote %s %s: %w", url, branch, err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", fmt.Errorf("branch %s not found on %s", branch, url)
	}
	return fields[0], nil
}

// Trigger watches the configured build configs and creates checkout
// nodes for new revisions, under the per-config frequency gates.
type Trigger struct {
	conf     *config.Config
	store    api.Client
	resolver TipResolver
	logger   *log.Logger

	// Force creates a checkout even within the frequency window or for
	// an already-seen commit.
	Force bool
}

func New(conf *config.Config, store api.Client, resolver TipResolver, logger *log.Logger) *Trigger {
	return &Trigger{conf: conf, store: store, resolver: resolver, logger: logger}
}

// Poll walks all build configs once. Transient failures of one config
// are logged and do not stop the walk; the tick is idempotent.
func (t *Trigger) Poll(ctx context.Context) error {
	for name, bc := range t.conf.BuildConfigs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.pollOne(ctx, bc); err != nil {
			t.logger.Printf("%s: %v", name, err)
		}
	}
	return nil
}

func (t *Trigger) pollOne(ctx context.Context, bc *config.BuildConfig) error {
	commit, err := t.resolver.Tip(ctx, bc.Tree().URL(), bc.Branch())
	if err != nil {
		return err
	}
	_, err = t.CreateCheckout(ctx, bc, commit, nil)
	if err == ErrSuppressed {
		return nil
	}
	return err
}

// ErrSuppressed : the checkout was not created because the revision is
// already known or the frequency window is still open.
var ErrSuppressed = fmt.Errorf("checkout suppressed")

// CreateCheckout registers a checkout node for a revision unless a
// prior checkout with the same treeid fingerprint suppresses it.
// The decision is authoritative against the state store, not local
// memory, so replicated triggers agree.
func (t *Trigger) CreateCheckout(
	ctx context.Context,
	bc *config.BuildConfig,
	commit string,
	jobfilter []string,
) (domain.Node, error) {
	treeid := domain.ComputeTreeID(bc.Tree().Name(), bc.Branch())

	if !t.Force {
		known, err := t.store.FindNodes(
			ctx,
			api.Where("kind", domain.KindCheckout.String()),
			api.Where("treeid", treeid),
			api.Where("data.kernel_revision.commit", commit),
		)
		if err != nil {
			return domain.Node{}, err
		}
		if 0 < len(known) {
			t.logger.Printf("%s: checkout exists for commit %s", bc.Name(), commit)
			return domain.Node{}, ErrSuppressed
		}

		if window := bc.Frequency(); 0 < window {
			since := rfctime.New(time.Now().Add(-window))
			recent, err := t.store.FindNodes(
				ctx,
				api.Where("kind", domain.KindCheckout.String()),
				api.Where("treeid", treeid),
				api.WhereOp("created", api.OpGt, since.String()),
			)
			if err != nil {
				return domain.Node{}, err
			}
			if 0 < len(recent) {
				t.logger.Printf("%s: frequency window still open", bc.Name())
				return domain.Node{}, ErrSuppressed
			}
		}
	}

	timeout := rfctime.New(time.Now().Add(t.conf.Settings().CheckoutTimeout()))
	node := domain.Node{
		Kind:  domain.KindCheckout,
		Name:  "checkout",
		Path:  []string{"checkout"},
		State: domain.Running,
		Data: domain.NodeData{
			KernelRevision: &domain.Revision{
				Tree:   bc.Tree().Name(),
				URL:    bc.Tree().URL(),
				Branch: bc.Branch(),
				Commit: commit,
			},
		},
		Timeout:   &timeout,
		JobFilter: jobfilter,
		TreeID:    treeid,
	}

	created, err := t.store.CreateNode(ctx, node)
	if err != nil {
		return domain.Node{}, err
	}
	t.logger.Printf("%s: checkout %s for commit %s", bc.Name(), created.ID, commit)
	return created, nil
}
