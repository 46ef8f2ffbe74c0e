// Package main is the moff command.
//
// Batch mode (default) fetches the URLs given as arguments or in -file through
// the retrieval cascade (cache, evasive TLS client, challenge bypass, headless
// browser when -heavy, plain HTTP), archives each body when an archive provider
// is configured, announces it on the publish topic, marks it processed so later
// runs skip it, and prints a per-URL table.
//
// Serve mode (-serve) exposes the same cascade over HTTP; see internal/api.
//
// Configuration comes from -config (YAML/JSON/TOML) and MOFF_* environment
// variables, for example MOFF_STORE_DRIVER=redis or MOFF_BATCH_MAX_CONCURRENT=8.
//
// Examples:
//
//	moff -config moff.yaml -file urls.txt
//	moff -heavy https://shop.example/item/1
//	moff -config moff.yaml -serve
package main
