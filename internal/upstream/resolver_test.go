package upstream

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestResolveOrderAndPromotion(t *testing.T) {
	r := NewResolver(nil, []string{"https://fallback.example.com"}, discardLogger())

	got := r.Resolve(context.Background(), []string{"cdn.example.com", "http://alt.example.com"}, nil)

	want := []string{"https://cdn.example.com", "http://alt.example.com", "https://fallback.example.com"}
	if len(got) != len(want) {
		t.Fatalf("候选数量不符: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("第 %d 个候选应为 %s，得到 %s", i, want[i], got[i])
		}
	}
}

func TestResolveDedupesByOrigin(t *testing.T) {
	r := NewResolver(nil, []string{"https://cdn.example.com/"}, discardLogger())

	got := r.Resolve(context.Background(), []string{"cdn.example.com", "https://cdn.example.com"}, nil)

	if len(got) != 1 {
		t.Fatalf("同 origin 应去重，得到 %v", got)
	}
	if got[0] != "https://cdn.example.com" {
		t.Fatalf("应保留首次出现的写法，得到 %s", got[0])
	}
}

func TestResolveIgnoresAuthorsWithoutLookup(t *testing.T) {
	r := NewResolver(nil, nil, discardLogger())

	got := r.Resolve(context.Background(), nil, []string{"deadbeef"})

	if len(got) != 0 {
		t.Fatalf("未配置 relay 时 as 参数应被忽略: %v", got)
	}
}

func TestResolveEmpty(t *testing.T) {
	r := NewResolver(nil, nil, discardLogger())
	if got := r.Resolve(context.Background(), nil, nil); len(got) != 0 {
		t.Fatalf("无候选时应返回空列表: %v", got)
	}
}

func TestAuthorServersUnreachableRelay(t *testing.T) {
	lookup := NewLookup([]string{"ws://127.0.0.1:1"}, 200*time.Millisecond, discardLogger())
	defer lookup.Close()

	start := time.Now()
	servers := lookup.AuthorServers(context.Background(), "deadbeef")
	if len(servers) != 0 {
		t.Fatalf("relay 不可达时应返回空列表: %v", servers)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("查询应受超时约束")
	}

	// 失败结果同样缓存，第二次调用不应再等待超时。
	start = time.Now()
	lookup.AuthorServers(context.Background(), "deadbeef")
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("缓存命中不应重新查询")
	}
}
