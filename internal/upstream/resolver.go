package upstream

import (
	"context"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Resolver 汇总一次请求的候选服务器：sx 提示、作者服务器列表、配置回退，
// 按首次出现顺序去重。
type Resolver struct {
	lookup   *Lookup // 为 nil 时忽略 as 参数
	fallback []string
	logger   *logrus.Logger
}

// NewResolver 构造候选服务器解析器；未配置 lookup relay 时传入 nil lookup。
func NewResolver(lookup *Lookup, fallback []string, logger *logrus.Logger) *Resolver {
	return &Resolver{
		lookup:   lookup,
		fallback: fallback,
		logger:   logger,
	}
}

// Resolve 返回按优先级排好、按 origin 去重后的候选服务器列表。
// 列表为空意味着本次请求无处可取。
func (r *Resolver) Resolve(ctx context.Context, hints, authors []string) []string {
	var candidates []string

	for _, hint := range hints {
		candidates = append(candidates, promoteScheme(hint))
	}

	if r.lookup != nil {
		for _, pubkey := range authors {
			servers := r.lookup.AuthorServers(ctx, pubkey)
			for _, server := range servers {
				candidates = append(candidates, promoteScheme(server))
			}
		}
	}

	candidates = append(candidates, r.fallback...)

	return dedupeByOrigin(candidates)
}

// promoteScheme 为裸主机名补全 https://。
func promoteScheme(server string) string {
	server = strings.TrimSpace(server)
	if server == "" {
		return server
	}
	if !strings.Contains(server, "://") {
		return "https://" + server
	}
	return server
}

// dedupeByOrigin 按规范化 origin 去重，保留首次出现的写法。
func dedupeByOrigin(servers []string) []string {
	seen := make(map[string]struct{}, len(servers))
	out := make([]string, 0, len(servers))
	for _, server := range servers {
		if server == "" {
			continue
		}
		key := normalizeOrigin(server)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, server)
	}
	return out
}

func normalizeOrigin(server string) string {
	parsed, err := url.Parse(server)
	if err != nil || parsed.Host == "" {
		return strings.ToLower(strings.TrimRight(server, "/"))
	}
	return strings.ToLower(parsed.Scheme + "://" + parsed.Host)
}
