package kcidb_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opst/kite/pkg/domain"
	"github.com/opst/kite/pkg/kcidb"
	"github.com/opst/kite/pkg/utils/try"
)

func TestConvert(t *testing.T) {
	rev := &domain.Revision{
		Tree: "mainline", Branch: "master", Commit: "abc",
		URL: "https://git.example.com/linux.git", Describe: "v6.8",
	}

	t.Run("checkout fields map onto the sink schema", func(t *testing.T) {
		node := domain.Node{
			ID: "c1", Kind: domain.KindCheckout, Name: "checkout",
			State: domain.Done, Result: domain.Pass,
			Data: domain.NodeData{KernelRevision: rev},
		}
		checkout := kcidb.ConvertCheckout("kite", node)

		if checkout.ID != "kite:c1" || checkout.Origin != "kite" {
			t.Errorf("unexpected identity: %+v", checkout)
		}
		if checkout.TreeName != "mainline" || checkout.GitCommitName != "v6.8" {
			t.Errorf("unexpected revision fields: %+v", checkout)
		}
		if checkout.Valid == nil || !*checkout.Valid {
			t.Error("a passing checkout should be valid")
		}
	})

	t.Run("a failed build is invalid and keeps its log url", func(t *testing.T) {
		node := domain.Node{
			ID: "b1", Kind: domain.KindKbuild, Name: "kbuild-gcc-12-arm64",
			State: domain.Done, Result: domain.Fail,
			Data: domain.NodeData{
				KernelRevision: rev, Arch: "arm64", Compiler: "gcc-12",
				Defconfig: "defconfig",
			},
			Artifacts: map[string]string{"log": "https://artifacts.example.com/b.log"},
		}
		build := kcidb.ConvertBuild("kite", node, "kite:c1")

		if build.CheckoutID != "kite:c1" {
			t.Errorf("unexpected checkout reference: %s", build.CheckoutID)
		}
		if build.Valid == nil || *build.Valid {
			t.Error("a failed build should be invalid")
		}
		if build.Architecture != "arm64" || build.LogURL == "" {
			t.Errorf("unexpected build fields: %+v", build)
		}
	})

	t.Run("test status maps result and error code", func(t *testing.T) {
		node := domain.Node{
			ID: "t1", Kind: domain.KindTest, Name: "smoke",
			Path:  []string{"checkout", "kbuild-gcc-12-arm64", "baseline-arm64", "smoke"},
			State: domain.Done, Result: domain.Fail,
			Data: domain.NodeData{Platform: "bcm2711-rpi-4-b"},
		}
		test := kcidb.ConvertTest("kite", node, "kite:b1")
		if test.Status != "FAIL" {
			t.Errorf("wants FAIL, got %s", test.Status)
		}
		if test.Path != "checkout.kbuild-gcc-12-arm64.baseline-arm64.smoke" {
			t.Errorf("unexpected path: %s", test.Path)
		}

		node.Data.ErrorCode = "runtime_error"
		test = kcidb.ConvertTest("kite", node, "kite:b1")
		if test.Status != "ERROR" {
			t.Errorf("an infrastructure error should read ERROR, got %s", test.Status)
		}
	})
}

func TestClient_Submit(t *testing.T) {
	t.Run("it posts the document and accepts 2xx", func(t *testing.T) {
		var got kcidb.Submission
		svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer sink-token" {
				t.Errorf("unexpected authorization: %s", r.Header.Get("Authorization"))
			}
			json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusAccepted)
		}))
		defer svr.Close()

		client := kcidb.New(svr.URL, "sink-token")
		submission := kcidb.Submission{
			Version:   kcidb.CurrentVersion,
			Checkouts: []kcidb.Checkout{{ID: "kite:c1", Origin: "kite"}},
		}
		try.To(0, client.Submit(context.Background(), submission)).OrFatal(t)

		if len(got.Checkouts) != 1 || got.Checkouts[0].ID != "kite:c1" {
			t.Errorf("unexpected document: %+v", got)
		}
		if got.Version.Major != 4 {
			t.Errorf("unexpected schema version: %+v", got.Version)
		}
	})

	t.Run("a 5xx is an error", func(t *testing.T) {
		svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer svr.Close()

		client := kcidb.New(svr.URL, "")
		err := client.Submit(context.Background(), kcidb.Submission{
			Checkouts: []kcidb.Checkout{{ID: "x"}},
		})
		if err == nil {
			t.Error("a 5xx should surface as an error")
		}
	})

	t.Run("an empty submission is skipped", func(t *testing.T) {
		client := kcidb.New("http://unreachable.invalid", "")
		if err := client.Submit(context.Background(), kcidb.Submission{}); err != nil {
			t.Errorf("empty submissions should be no-ops, got %v", err)
		}
	})
}
