package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/opst/kite/pkg/config"
	"github.com/opst/kite/pkg/domain"
)

// shell runs jobs as local processes. Stdout is captured to a local
// artifact file; the exit code decides the result.
type shell struct {
	name      string
	outputDir string

	mu   sync.Mutex
	jobs map[string]*localJob
	next int
}

type localJob struct {
	cmd     *exec.Cmd
	logPath string

	done chan struct{}

	// guarded by the done channel: written once before close(done)
	exitCode int
	waitErr  error
}

func newShell(conf *config.Runtime, opts Options) *shell {
	return &shell{
		name:      conf.Name(),
		outputDir: opts.OutputDir,
		jobs:      map[string]*localJob{},
	}
}

func (s *shell) Name() string {
	return s.name
}

func (s *shell) Asynchronous() bool {
	return false
}

func (s *shell) Submit(ctx context.Context, job RenderedJob, node domain.Node) (Handle, error) {
	return s.start(ctx, job, node, nil)
}

// start forks the job script. docker reuses this with a wrapping argv.
func (s *shell) start(ctx context.Context, job RenderedJob, node domain.Node, argv []string) (Handle, error) {
	if job.Filename == "" {
		return Handle{}, fmt.Errorf("%w: job has no file to execute", ErrSubmit)
	}

	logPath := filepath.Join(s.outputDir, node.ID+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %w", ErrSubmit, err)
	}

	if argv == nil {
		argv = []string{"sh", job.Filename}
	}
	// the process must outlive ctx (which only covers submission)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), "KITE_NODE_ID="+node.ID)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		os.Remove(logPath)
		return Handle{}, fmt.Errorf("%w: %w", ErrSubmit, err)
	}

	s.mu.Lock()
	s.next++
	id := strconv.Itoa(s.next) + "-" + strconv.Itoa(cmd.Process.Pid)
	j := &localJob{cmd: cmd, logPath: logPath, done: make(chan struct{})}
	s.jobs[id] = j
	s.mu.Unlock()

	go func() {
		defer logFile.Close()
		err := cmd.Wait()
		if exitErr, ok := err.(*exec.ExitError); ok {
			j.exitCode = exitErr.ExitCode()
		} else if err != nil {
			j.exitCode = -1
			j.waitErr = err
		}
		close(j.done)
	}()

	return Handle{Runtime: s.name, JobID: id}, nil
}

func (s *shell) find(h Handle) (*localJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[h.JobID]
	if !ok {
		return nil, fmt.Errorf("unknown job: %s", h.JobID)
	}
	return j, nil
}

func (s *shell) Poll(ctx context.Context, h Handle) (Status, error) {
	j, err := s.find(h)
	if err != nil {
		return "", err
	}
	select {
	case <-j.done:
		if j.exitCode == 0 {
			return Succeeded, nil
		}
		return Failed, nil
	default:
		return Running, nil
	}
}

func (s *shell) Cancel(ctx context.Context, h Handle) error {
	j, err := s.find(h)
	if err != nil {
		return err
	}
	select {
	case <-j.done:
		return nil
	default:
		return j.cmd.Process.Kill()
	}
}

// IngestResult reads the result file the job script left next to its
// log, falling back to the exit-code verdict when there is none.
func (s *shell) IngestResult(ctx context.Context, node domain.Node, payload []byte) (Outcome, error) {
	if len(payload) != 0 {
		return parseLocalResults(payload)
	}

	s.mu.Lock()
	var j *localJob
	for _, candidate := range s.jobs {
		if candidate.logPath == filepath.Join(s.outputDir, node.ID+".log") {
			j = candidate
			break
		}
	}
	s.mu.Unlock()

	outcome := Outcome{Result: domain.Incomplete}
	if j == nil {
		return outcome, fmt.Errorf("no local job for node %s", node.ID)
	}
	<-j.done

	if resultsPath := filepath.Join(s.outputDir, node.ID+".json"); exists(resultsPath) {
		raw, err := os.ReadFile(resultsPath)
		if err == nil {
			return parseLocalResults(raw)
		}
	}

	if j.waitErr != nil {
		outcome.ErrorCode = "runtime_error"
		outcome.ErrorMsg = j.waitErr.Error()
		return outcome, nil
	}
	if j.exitCode == 0 {
		outcome.Result = domain.Pass
	} else {
		outcome.Result = domain.Fail
		outcome.ErrorMsg = "exit code " + strconv.Itoa(j.exitCode)
	}
	return outcome, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// localResults is the result document shell and container jobs write.
type localResults struct {
	Result    string            `json:"result"`
	ErrorCode string            `json:"error_code,omitempty"`
	ErrorMsg  string            `json:"error_msg,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Tests     []localTest       `json:"tests,omitempty"`
}

type localTest struct {
	Name      string            `json:"name"`
	Result    string            `json:"result"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Tests     []localTest       `json:"tests,omitempty"`
}

func parseLocalResults(raw []byte) (Outcome, error) {
	var doc localResults
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Outcome{}, fmt.Errorf("malformed result payload: %w", err)
	}
	result, err := domain.AsNodeResult(doc.Result)
	if err != nil {
		return Outcome{}, err
	}
	outcome := Outcome{
		Result:    result,
		ErrorCode: doc.ErrorCode,
		ErrorMsg:  doc.ErrorMsg,
		Artifacts: doc.Artifacts,
	}
	for _, test := range doc.Tests {
		parsed, err := parseLocalTest(test)
		if err != nil {
			return Outcome{}, err
		}
		outcome.Tests = append(outcome.Tests, parsed)
	}
	return outcome, nil
}

func parseLocalTest(test localTest) (TestResult, error) {
	result, err := domain.AsNodeResult(test.Result)
	if err != nil {
		return TestResult{}, err
	}
	kind := domain.KindTest
	if len(test.Tests) != 0 {
		kind = domain.KindJob
	}
	parsed := TestResult{
		Name:      test.Name,
		Kind:      kind,
		Result:    result,
		Artifacts: test.Artifacts,
	}
	for _, child := range test.Tests {
		c, err := parseLocalTest(child)
		if err != nil {
			return TestResult{}, err
		}
		parsed.Children = append(parsed.Children, c)
	}
	return parsed, nil
}
