// Package main hosts the episode-sync command.
//
// Architecture overview:
//   - Discovery: internal/source reads the listing pages and series pages of the configured site and
//     derives each episode identity from the "{slug}-{season}x{episode}" URL segment.
//   - Resolution: internal/extract finds server candidates on an episode page (player options, redirect
//     links, iframes); internal/resolver follows each one through redirect and embed layers, bounded by
//     resolver.embed_depth, until it reaches media, a known player, or an external host.
//   - Fetching: internal/fetcher/colly performs every request with a rotating user agent, referer chaining,
//     configured cookies and linear backoff. Egress goes through internal/proxy, which round-robins the pool
//     and tombstones proxies that fail. internal/policy/ratelimit keeps the aggregate request rate polite.
//   - Sync: internal/worker runs one pass: due retries, latest episodes, series completeness, then audits.
//     Items are deduplicated by the in-run processed set, the local cache (internal/cache) and the store.
//     Items with fewer than two servers get a retry entry with increasing intervals.
//   - Persistence & fanout: internal/storage/postgres (or the in-memory store) holds series, episodes,
//     retries and the latest index. Each write publishes an event to Pub/Sub when a topic is configured and
//     always to the in-memory feed exposed at /v1/events.
//
// Commands:
//   - episode-sync sync [--metrics-addr :9090]: run one pass and print the summary as JSON.
//   - episode-sync serve [--addr :8080]: serve the read-only ops API.
//   - episode-sync proxies: load and validate the proxy pool, then print its stats.
//
// Configuration comes from --config (YAML/JSON/TOML) with EPISODESYNC_* environment overrides, for example
// EPISODESYNC_SOURCE_BASE_URL, EPISODESYNC_DB_DSN, EPISODESYNC_PROXY_FILE and EPISODESYNC_PUBSUB_TOPIC_NAME.
package main
