package nodes

import (
	"context"
	"runtime"
	"testing"

	"github.com/suzent/suzent/pkg/suzent/apierr"
)

func TestLocalNodeInfo(t *testing.T) {
	t.Parallel()
	n := NewLocalNode(newTestLogger())

	out, err := n.Invoke(context.Background(), "system.info", nil)
	if err != nil {
		t.Fatal(err)
	}
	info, _ := out.(map[string]any)
	if info["os"] != runtime.GOOS || info["arch"] != runtime.GOARCH {
		t.Errorf("info = %v", info)
	}
	if info["local_time"] == "" {
		t.Error("no local time")
	}
}

func TestLocalNodeNotify(t *testing.T) {
	t.Parallel()
	n := NewLocalNode(newTestLogger())

	out, err := n.Invoke(context.Background(), "system.notify", map[string]any{"message": "build done"})
	if err != nil {
		t.Fatal(err)
	}
	res, _ := out.(map[string]any)
	if res["delivered"] != true {
		t.Errorf("result = %v", out)
	}

	_, err = n.Invoke(context.Background(), "system.notify", map[string]any{"title": "no body"})
	if apierr.CodeOf(err) != apierr.CodeInvalidInput {
		t.Errorf("missing message: %v", err)
	}
	_, err = n.Invoke(context.Background(), "coffee.brew", nil)
	if apierr.CodeOf(err) != apierr.CodeNotFound {
		t.Errorf("unknown command: %v", err)
	}
}
