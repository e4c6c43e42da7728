/*
Package config loads passage runtime settings.

# Overview

Two layers live here. Section wraps a decoded YAML or JSON document and
offers typed accessors over dotted paths that fall back to a default on a
missing key or a type mismatch:

	doc, err := config.ReadFile("passage.yaml")
	ttl := doc.Duration("store.cache_ttl", time.Hour)

Settings is the typed view the rest of the module consumes. LoadSettings
builds it with the precedence defaults < file < environment:

	s, err := config.LoadSettings("passage.yaml")

# Environment

Every field has a PASSAGE_* override, for example PASSAGE_STORE_BACKEND,
PASSAGE_POSTGRES_DSN, PASSAGE_CACHE_BACKEND and PASSAGE_LOG_LEVEL. Empty
variables are ignored. Values that fail to parse are ignored as well and
the previous layer wins.

# Durations

Duration accepts Go duration strings ("30s", "1h30m") or plain numbers,
which are read as seconds.
*/
package config
