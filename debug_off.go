//go:build !mmapcache_debug

package mmapcache

const debugDefault = false
