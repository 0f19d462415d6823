// Copyright (C) 2025 Arun Grover. All Rights Reserved.

package pbspro

import (
	"context"
	"net"
	"sync"

	"github.com/golang/groupcache/lru"
)

// A Resolver maps a server hostname to a network address. Resolution
// failures should be reported as a [*net.DNSError] so the core can tell a
// transient failure from a definitively unknown host.
type Resolver func(ctx context.Context, host string) (string, error)

// NetResolver returns a Resolver backed by the system resolver that caches
// successful lookups in an LRU cache holding up to capacity entries. A
// capacity of zero or less selects a default of 256.
//
// Batch servers re-resolve the same small set of peer and worker hosts on
// every dispatch; the cache keeps retry storms from hammering DNS.
func NetResolver(capacity int) Resolver {
	if capacity <= 0 {
		capacity = 256
	}
	var μ sync.Mutex // the lru cache is not safe for concurrent use
	cache := lru.New(capacity)
	return func(ctx context.Context, host string) (string, error) {
		μ.Lock()
		if v, ok := cache.Get(host); ok {
			μ.Unlock()
			return v.(string), nil
		}
		μ.Unlock()

		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil {
			return "", err
		}
		if len(addrs) == 0 {
			return "", &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
		}
		μ.Lock()
		cache.Add(host, addrs[0])
		μ.Unlock()
		return addrs[0], nil
	}
}
