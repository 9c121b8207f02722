// Package redis stores swap sessions and the transfer journal in Redis.
// Sessions live in hashes guarded by a version check script, with a sorted
// set indexed by updated_at for listing.
package redis
