package assetcache

import (
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/1mb-dev/assetcache-go/internal/log"
)

func TestMain(m *testing.M) {
	log.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}
