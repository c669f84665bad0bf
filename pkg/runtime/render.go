package runtime

import (
	"bytes"
	"os"
	"path/filepath"
	"text/template"

	"github.com/opst/kite/pkg/domain"
)

// Renderer renders a job template with the parameter dictionary drawn
// from the node tree. The production template engine is an external
// collaborator; FileRenderer is the in-tree default for templates that
// only need parameter substitution.
type Renderer interface {
	Render(templateName string, params map[string]string) ([]byte, error)
}

// FileRenderer loads templates from a directory and renders them with
// text/template semantics, parameters accessible as {{.arch}} etc.
type FileRenderer struct {
	Dir string
}

var _ Renderer = FileRenderer{}

func (r FileRenderer) Render(templateName string, params map[string]string) ([]byte, error) {
	tpl, err := template.ParseFiles(filepath.Join(r.Dir, templateName))
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	if err := tpl.Execute(buf, params); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// JobParams collects the parameter dictionary for a job: the node's
// revision and build attributes, overlaid with the job definition's own
// parameters.
func JobParams(node domain.Node, jobParams map[string]string) map[string]string {
	params := map[string]string{
		"node_id":   node.ID,
		"job_name":  node.Name,
		"arch":      node.Data.Arch,
		"compiler":  node.Data.Compiler,
		"defconfig": node.Data.Defconfig,
		"platform":  node.Data.Platform,
	}
	if rev := node.Data.KernelRevision; rev != nil {
		params["tree"] = rev.Tree
		params["branch"] = rev.Branch
		params["commit"] = rev.Commit
		params["url"] = rev.URL
		params["describe"] = rev.Describe
	}
	if tarball, ok := node.Artifacts["tarball"]; ok {
		params["tarball_url"] = tarball
	}
	for k, v := range jobParams {
		params[k] = v
	}
	return params
}

// SaveDefinition writes a rendered definition into the output directory
// for runtimes that execute files, returning the path.
func SaveDefinition(outputDir string, node domain.Node, definition []byte) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(outputDir, node.ID+".job")
	if err := os.WriteFile(path, definition, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
