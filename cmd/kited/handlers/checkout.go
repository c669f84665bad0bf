package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/config"
	"github.com/opst/kite/pkg/domain"
	"github.com/opst/kite/pkg/utils/rfctime"
)

type CheckoutRequest struct {
	NodeID    string   `json:"nodeid,omitempty"`
	URL       string   `json:"url,omitempty"`
	Branch    string   `json:"branch,omitempty"`
	Commit    string   `json:"commit"`
	JobFilter []string `json:"jobfilter,omitempty"`
}

// CheckoutHandler serves POST /api/checkout: a user-initiated custom
// checkout, bypassing the trigger's frequency gates.
//
// With nodeid, the new checkout re-targets an existing node: it is
// created as that node's child and inherits its tree identity.
func CheckoutHandler(conf *config.Config, store api.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req CheckoutRequest
		if err := c.Bind(&req); err != nil {
			return BadRequest("malformed request body")
		}
		if req.Commit == "" {
			return BadRequest(`"commit" is required`)
		}

		ctx := c.Request().Context()
		claims := UserOf(c)

		timeout := rfctime.New(time.Now().Add(conf.Settings().CheckoutTimeout()))
		node := domain.Node{
			Kind:       domain.KindCheckout,
			Name:       "checkout",
			Path:       []string{"checkout"},
			State:      domain.Running,
			Timeout:    &timeout,
			JobFilter:  req.JobFilter,
			Submitter:  claims.Subject,
			UserGroups: claims.Groups,
		}

		if req.NodeID != "" {
			base, err := store.GetNode(ctx, req.NodeID)
			if err != nil {
				if errors.Is(err, domain.ErrMissing) {
					return NotFound()
				}
				return InternalServerError(err)
			}
			rev := base.Data.KernelRevision
			if rev == nil {
				return BadRequest("the base node has no revision to re-target")
			}
			branch := req.Branch
			if branch == "" {
				branch = rev.Branch
			}
			node.Parent = base.ID
			node.Path = base.ChildPath("checkout")
			node.TreeID = base.TreeID
			node.Data.KernelRevision = &domain.Revision{
				Tree:   rev.Tree,
				URL:    rev.URL,
				Branch: branch,
				Commit: req.Commit,
			}
		} else {
			if req.URL == "" || req.Branch == "" {
				return BadRequest(`"url" and "branch" are required without "nodeid"`)
			}
			tree := treeByURL(conf, req.URL)
			if tree == "" {
				return BadRequest("no configured tree matches the url")
			}
			node.TreeID = domain.ComputeTreeID(tree, req.Branch)
			node.Data.KernelRevision = &domain.Revision{
				Tree:   tree,
				URL:    req.URL,
				Branch: req.Branch,
				Commit: req.Commit,
			}
		}

		created, err := store.CreateNode(ctx, node)
		if err != nil {
			if errors.Is(err, domain.ErrClosedParent) {
				return Conflict("the base node no longer accepts children")
			}
			return InternalServerError(err)
		}
		return c.JSON(http.StatusOK, created)
	}
}

func treeByURL(conf *config.Config, url string) string {
	for name, tree := range conf.Trees() {
		if tree.URL() == url {
			return name
		}
	}
	return ""
}
