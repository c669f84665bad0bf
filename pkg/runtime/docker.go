package runtime

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/opst/kite/pkg/config"
	"github.com/opst/kite/pkg/domain"
)

// docker runs jobs like shell does, inside a named image. The image
// reference is validated at construction so misconfigured runtimes are
// rejected at startup, not at dispatch.
type docker struct {
	*shell
	image name.Reference
}

func newDocker(conf *config.Runtime, opts Options) (*docker, error) {
	ref, err := name.ParseReference(conf.Image())
	if err != nil {
		return nil, fmt.Errorf("runtime %s: bad image %q: %w", conf.Name(), conf.Image(), err)
	}
	return &docker{
		shell: newShell(conf, opts),
		image: ref,
	}, nil
}

func (d *docker) Submit(ctx context.Context, job RenderedJob, node domain.Node) (Handle, error) {
	if job.Filename == "" {
		return Handle{}, fmt.Errorf("%w: job has no file to execute", ErrSubmit)
	}
	argv := []string{
		"docker", "run", "--rm",
		"-v", job.Filename + ":/job/run.sh:ro",
		"-v", d.outputDir + ":/job/output",
		"-e", "KITE_NODE_ID=" + node.ID,
		d.image.String(),
		"sh", "/job/run.sh",
	}
	return d.start(ctx, job, node, argv)
}
