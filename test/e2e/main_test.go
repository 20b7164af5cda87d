//go:build e2e

// End-to-end tests against a real kernel. They create namespaces, veths,
// and qdiscs, so they must run as root: go test -tags e2e ./test/e2e/
package e2e_test

import (
	"os"
	"testing"

	"github.com/emunet-network/emunet/pkg/util"
)

func TestMain(m *testing.M) {
	util.SetLogLevel("warn")
	os.Exit(m.Run())
}
