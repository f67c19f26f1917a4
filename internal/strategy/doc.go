// Package strategy implements the offline cache-strategy router: requests are
// classified (api, image, static, navigation, other) and served through
// cache-first, network-first or stale-while-revalidate handlers over the
// versioned partitions of a cache.Store. Network failures never reach the
// caller; they resolve to cached copies or synthetic 503 responses.
//
// The install/activate lifecycle hooks precache critical paths and drop
// partitions left behind by an older cache version.
package strategy
