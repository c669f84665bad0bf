package logspec

import (
	"bufio"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

// Finding is one recognised error signature in a job log.
type Finding struct {
	// Type is the signature class ("kernel_panic", "build_error"...).
	Type string

	// Summary is the matched line, trimmed.
	Summary string

	// Line number in the log, 1-based.
	Line int
}

// ID derives a stable issue identifier from the signature, so the same
// failure reported from different nodes lands on the same issue.
func (f Finding) ID() string {
	h := blake3.New()
	h.Write([]byte(f.Type))
	h.Write([]byte{0})
	h.Write([]byte(f.Summary))
	sum := h.Sum(nil)
	return "logspec:" + f.Type + ":" + hex.EncodeToString(sum[:12])
}

type signature struct {
	kind    string
	pattern *regexp.Regexp
}

// boot and kernel runtime signatures
var kernelSignatures = []signature{
	{"kernel_panic", regexp.MustCompile(`Kernel panic - not syncing`)},
	{"kernel_oops", regexp.MustCompile(`(^|\s)(Oops|Internal error):`)},
	{"kernel_bug", regexp.MustCompile(`(^|\s)BUG: `)},
	{"kernel_warning", regexp.MustCompile(`(^|\s)WARNING: .*(at|CPU)`)},
	{"ubsan", regexp.MustCompile(`UBSAN: `)},
	{"kasan", regexp.MustCompile(`BUG: KASAN: `)},
}

// compiler and linker signatures
var kbuildSignatures = []signature{
	{"build_error", regexp.MustCompile(`^[^ ]+\.(c|h|S):\d+(:\d+)?: (fatal )?error: `)},
	{"linker_error", regexp.MustCompile(`undefined reference to|relocation truncated`)},
	{"modpost_error", regexp.MustCompile(`ERROR: modpost: `)},
	{"make_error", regexp.MustCompile(`^make(\[\d+\])?: \*\*\* `)},
}

// AnalyzeKernelLog scans a boot/test log for kernel error signatures.
func AnalyzeKernelLog(log string) []Finding {
	return scan(log, kernelSignatures)
}

// AnalyzeBuildLog scans a kbuild log for toolchain error signatures.
func AnalyzeBuildLog(log string) []Finding {
	return scan(log, kbuildSignatures)
}

func scan(log string, signatures []signature) []Finding {
	findings := []Finding{}
	seen := map[string]bool{}

	scanner := bufio.NewScanner(strings.NewReader(log))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		for _, sig := range signatures {
			if !sig.pattern.MatchString(text) {
				continue
			}
			f := Finding{
				Type:    sig.kind,
				Summary: strings.TrimSpace(text),
				Line:    line,
			}
			if seen[f.ID()] {
				break
			}
			seen[f.ID()] = true
			findings = append(findings, f)
			break
		}
	}
	return findings
}
