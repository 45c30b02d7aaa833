// Package catalog resolves course media IDs to stored files. Records come from
// a JSON manifest or the media_files table in Postgres, optionally fronted by
// an in-process LRU cache and a shared Redis cache.
package catalog
