// Package imagecache fetches and decodes images once, no matter how many
// pipelines ask for them.
//
// The service keys its state by URL. Concurrent Get calls for the same URL
// are coalesced through a singleflight group so exactly one fetch+decode
// runs; every waiter receives the same *DecodedImage pointer. Results,
// including failures, are terminal: a URL that decoded once never decodes
// again, and a URL that failed stays failed until the entry is evicted.
//
// Two tiers back the in-memory map: a bounded memory tier evicted in LRU
// order by decoded byte size, and an optional disk tier of zstd-compressed
// encoded bytes keyed by a blake2b digest of the URL. The disk tier keeps
// previously fetched images across restarts without re-hitting the network.
//
// PipelineCache is the per-pipeline view used by the script and layout
// tasks: script prefetches the URLs it finds, layout waits for the set to
// settle before building display items.
//
// Decoded images are shared between pipelines and must be treated as
// immutable by callers.
package imagecache
