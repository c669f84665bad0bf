package config_test

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/opst/kite/pkg/config"
	"github.com/opst/kite/pkg/utils/try"
)

const exampleConfig = `
api:
  store_url: "https://store.example.com"
  bus_url: "https://bus.example.com"
storage:
  bucket: "kite-artifacts"
  region: "eu-west-1"
  public_url: "https://artifacts.example.com/"
settings:
  holdoff: "45s"
  checkout_timeout: "10h"
trees:
  mainline:
    url: "https://git.kernel.org/pub/scm/linux/kernel/git/torvalds/linux.git"
  stable:
    url: "https://git.kernel.org/pub/scm/linux/kernel/git/stable/linux.git"
build_configs:
  mainline-master:
    tree: mainline
    branch: master
    frequency: 1d
platforms:
  bcm2711-rpi-4-b:
    arch: arm64
    boot_method: u-boot
runtimes:
  k8s-builds:
    kind: kubernetes
    namespace: kite-jobs
    pool: 8
  lava-lab:
    kind: lava
    url: "https://lava.example.com"
jobs:
  kbuild-gcc-12-arm64:
    kind: kbuild
    template: kbuild.jinja2
    params:
      arch: arm64
      compiler: gcc-12
    rules:
      tree:
        - mainline
        - "!android"
      min_version:
        version: 4
        patchlevel: 19
      frequency: 12h
  baseline-arm64:
    kind: job
    template: baseline.jinja2
scheduler:
  - job: kbuild-gcc-12-arm64
    event:
      channel: node
      name: checkout
      state: available
    runtime: k8s-builds
  - job: baseline-arm64
    event:
      channel: node
      kind: kbuild
      result: pass
    runtime: lava-lab
    platforms:
      - bcm2711-rpi-4-b
`

func TestUnmarshal(t *testing.T) {
	t.Run("it seals a complete catalog", func(t *testing.T) {
		conf := try.To(config.Unmarshal([]byte(exampleConfig))).OrFatal(t)

		if conf.API().StoreURL() != "https://store.example.com" {
			t.Errorf("unexpected store url: %s", conf.API().StoreURL())
		}
		if conf.Settings().Holdoff() != 45*time.Second {
			t.Errorf("unexpected holdoff: %s", conf.Settings().Holdoff())
		}
		if conf.Settings().CheckoutTimeout() != 10*time.Hour {
			t.Errorf("unexpected checkout timeout: %s", conf.Settings().CheckoutTimeout())
		}
		// defaulted
		if conf.Settings().JobTimeout() != 6*time.Hour {
			t.Errorf("unexpected job timeout: %s", conf.Settings().JobTimeout())
		}

		bc, ok := conf.BuildConfigs()["mainline-master"]
		if !ok {
			t.Fatal("build config mainline-master is missing")
		}
		if bc.Tree().Name() != "mainline" || bc.Branch() != "master" {
			t.Errorf("unexpected build config: %s %s", bc.Tree().Name(), bc.Branch())
		}
		if bc.Frequency() != 24*time.Hour {
			t.Errorf("frequency 1d should seal to 24h, got %s", bc.Frequency())
		}

		job, ok := conf.Jobs()["kbuild-gcc-12-arm64"]
		if !ok {
			t.Fatal("job kbuild-gcc-12-arm64 is missing")
		}
		if job.Rules().Frequency() != 12*time.Hour {
			t.Errorf("frequency 12h should seal to 12h, got %s", job.Rules().Frequency())
		}
		if v := job.Rules().MinVersion(); v == nil || v.Version() != 4 || v.Patchlevel() != 19 {
			t.Errorf("unexpected min_version: %+v", v)
		}

		if len(conf.Scheduler()) != 2 {
			t.Fatalf("wants 2 scheduler entries, got %d", len(conf.Scheduler()))
		}
		entry := conf.Scheduler()[1]
		if entry.Job().Name() != "baseline-arm64" {
			t.Errorf("unexpected entry job: %s", entry.Job().Name())
		}
		if entry.Runtime().Kind() != config.RuntimeLAVA {
			t.Errorf("unexpected entry runtime kind: %s", entry.Runtime().Kind())
		}
		if len(entry.Platforms()) != 1 || entry.Platforms()[0].Name() != "bcm2711-rpi-4-b" {
			t.Errorf("unexpected entry platforms: %+v", entry.Platforms())
		}
	})

	t.Run("a scheduler entry naming an unknown job is rejected", func(t *testing.T) {
		broken := strings.Replace(
			exampleConfig, "- job: baseline-arm64", "- job: no-such-job", 1,
		)
		if _, err := config.Unmarshal([]byte(broken)); err == nil {
			t.Error("unknown job reference should be rejected")
		}
	})

	t.Run("a runtime of unknown kind is rejected by the schema", func(t *testing.T) {
		broken := strings.Replace(exampleConfig, "kind: lava", "kind: mainframe", 1)
		if _, err := config.Unmarshal([]byte(broken)); err == nil {
			t.Error("unknown runtime kind should be rejected")
		}
	})

	t.Run("a bad frequency string is rejected", func(t *testing.T) {
		broken := strings.Replace(exampleConfig, "frequency: 1d", "frequency: fortnightly", 1)
		if _, err := config.Unmarshal([]byte(broken)); err == nil {
			t.Error("bad frequency should be rejected")
		}
	})

	t.Run("missing api section is rejected", func(t *testing.T) {
		broken := strings.Replace(exampleConfig, "api:", "api_disabled:", 1)
		if _, err := config.Unmarshal([]byte(broken)); err == nil {
			t.Error("missing api section should be rejected")
		}
	})
}

func TestVersion_Less(t *testing.T) {
	t.Run("comparison is lexicographic on (version, patchlevel)", func(t *testing.T) {
		conf := try.To(config.Unmarshal([]byte(exampleConfig))).OrFatal(t)
		min := conf.Jobs()["kbuild-gcc-12-arm64"].Rules().MinVersion()

		// min is (4, 19)
		for _, theory := range []struct {
			version, patchlevel int
			less                bool
		}{
			{4, 18, false},
			{4, 20, true},
			{5, 0, true},
			{3, 99, false},
		} {
			got := min.Less(makeVersion(t, theory.version, theory.patchlevel))
			if got != theory.less {
				t.Errorf(
					"(4,19) < (%d,%d) = %v, wants %v",
					theory.version, theory.patchlevel, got, theory.less,
				)
			}
		}
	})
}

func makeVersion(t *testing.T, version, patchlevel int) config.Version {
	t.Helper()
	conf := try.To(config.Unmarshal([]byte(strings.Replace(
		strings.Replace(exampleConfig, "version: 4", "version: "+strconv.Itoa(version), 1),
		"patchlevel: 19", "patchlevel: "+strconv.Itoa(patchlevel), 1,
	)))).OrFatal(t)
	return *conf.Jobs()["kbuild-gcc-12-arm64"].Rules().MinVersion()
}
