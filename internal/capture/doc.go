// Package capture defines the types shared by the screenshot pipeline: the
// normalized cache key, the immutable capture result, the failure taxonomy,
// and the narrow interfaces (browser engine, hasher, clock, archive stores)
// that the pool, executor, cache, and coordinator depend on.
//
// Data flow for one request:
//
//	request -> coordinator -> cache lookup (hit: return)
//	        -> beginOrJoin (follower: wait for leader)
//	        -> pool.Acquire -> executor.Execute -> pool.Release
//	        -> cache.Resolve -> result to leader and all followers
package capture
