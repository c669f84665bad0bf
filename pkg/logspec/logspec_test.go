package logspec_test

import (
	"testing"

	"github.com/opst/kite/pkg/logspec"
)

func TestAnalyzeKernelLog(t *testing.T) {
	t.Run("it spots a panic and an oops", func(t *testing.T) {
		log := `[    0.000000] Booting Linux on physical CPU 0x0
[    1.234567] Internal error: Oops: 96000004 [#1] SMP
[    1.250000] Kernel panic - not syncing: Attempted to kill init!
`
		findings := logspec.AnalyzeKernelLog(log)
		if len(findings) != 2 {
			t.Fatalf("wants 2 findings, got %d: %+v", len(findings), findings)
		}
		if findings[0].Type != "kernel_oops" || findings[0].Line != 2 {
			t.Errorf("unexpected first finding: %+v", findings[0])
		}
		if findings[1].Type != "kernel_panic" {
			t.Errorf("unexpected second finding: %+v", findings[1])
		}
	})

	t.Run("a clean boot yields nothing", func(t *testing.T) {
		log := "[    0.000000] Booting Linux\n[    5.000000] Freeing unused kernel memory\n"
		if findings := logspec.AnalyzeKernelLog(log); len(findings) != 0 {
			t.Errorf("wants no findings, got %+v", findings)
		}
	})

	t.Run("the same signature is reported once", func(t *testing.T) {
		log := `BUG: KASAN: use-after-free in foo
BUG: KASAN: use-after-free in foo
`
		if findings := logspec.AnalyzeKernelLog(log); len(findings) != 1 {
			t.Errorf("wants 1 deduplicated finding, got %+v", findings)
		}
	})
}

func TestAnalyzeBuildLog(t *testing.T) {
	t.Run("it spots compiler and make errors", func(t *testing.T) {
		log := `  CC      kernel/fork.o
kernel/fork.c:1024:5: error: implicit declaration of function 'foo'
make[2]: *** [scripts/Makefile.build:250: kernel/fork.o] Error 1
`
		findings := logspec.AnalyzeBuildLog(log)
		if len(findings) != 2 {
			t.Fatalf("wants 2 findings, got %d: %+v", len(findings), findings)
		}
		if findings[0].Type != "build_error" {
			t.Errorf("unexpected finding: %+v", findings[0])
		}
	})
}

func TestFinding_ID(t *testing.T) {
	t.Run("ids are stable and signature-sensitive", func(t *testing.T) {
		a := logspec.Finding{Type: "build_error", Summary: "foo.c:1: error: x"}
		b := logspec.Finding{Type: "build_error", Summary: "foo.c:1: error: x"}
		c := logspec.Finding{Type: "build_error", Summary: "bar.c:2: error: y"}
		if a.ID() != b.ID() {
			t.Error("same signature should share an id")
		}
		if a.ID() == c.ID() {
			t.Error("different signatures should differ")
		}
	})
}
