package upstream

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sirupsen/logrus"
)

// kindUserServerList 是 Blossom 作者服务器列表事件的 nostr kind。
const kindUserServerList = 10063

// Lookup 通过 nostr relay 查询作者公布的服务器列表，并按 pubkey 做
// TTL 缓存，避免同一作者的重复 relay 往返。查询是尽力而为的：
// 任何失败都表现为空列表。
type Lookup struct {
	relays  []string
	timeout time.Duration
	cache   *ttlcache.Cache[string, []string]
	logger  *logrus.Logger
}

// NewLookup 构造作者服务器查询器并启动缓存过期回收。
func NewLookup(relays []string, timeout time.Duration, logger *logrus.Logger) *Lookup {
	cache := ttlcache.New[string, []string](
		ttlcache.WithTTL[string, []string](time.Hour),
	)
	go cache.Start()

	return &Lookup{
		relays:  relays,
		timeout: timeout,
		cache:   cache,
		logger:  logger,
	}
}

// Close 停止缓存回收循环。
func (l *Lookup) Close() {
	l.cache.Stop()
}

// AuthorServers 返回 pubkey 公布的服务器列表；空列表会被同样缓存，
// 防止反复查询不存在的作者。
func (l *Lookup) AuthorServers(ctx context.Context, pubkey string) []string {
	if item := l.cache.Get(pubkey); item != nil {
		return item.Value()
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	servers := l.query(ctx, pubkey)
	l.cache.Set(pubkey, servers, ttlcache.DefaultTTL)
	return servers
}

func (l *Lookup) query(ctx context.Context, pubkey string) []string {
	for _, relayURL := range l.relays {
		if ctx.Err() != nil {
			return nil
		}
		relay, err := nostr.RelayConnect(ctx, relayURL)
		if err != nil {
			l.logger.WithError(err).WithFields(logrus.Fields{
				"action": "author_lookup",
				"relay":  relayURL,
			}).Debug("relay 连接失败")
			continue
		}
		events, err := relay.QuerySync(ctx, nostr.Filter{
			Kinds:   []int{kindUserServerList},
			Authors: []string{pubkey},
			Limit:   1,
		})
		relay.Close()
		if err != nil {
			l.logger.WithError(err).WithFields(logrus.Fields{
				"action": "author_lookup",
				"relay":  relayURL,
			}).Debug("relay 查询失败")
			continue
		}
		if len(events) == 0 {
			continue
		}

		var servers []string
		for _, tag := range events[0].Tags {
			if len(tag) >= 2 && tag[0] == "server" && tag[1] != "" {
				servers = append(servers, tag[1])
			}
		}
		if len(servers) > 0 {
			return servers
		}
	}
	return nil
}
