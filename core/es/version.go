package es

import (
	"log/slog"
	"math"
)

// Version represents the version number of an aggregate within its stream.
// The first envelope of a stream has version 1; version 0 means the aggregate
// does not exist yet. Version is the optimistic concurrency token: a writer
// appends at expected+1 and the log rejects the append if that version is taken.
type Version uint64

// MaxVersion is the upper bound used for open-ended range queries.
const MaxVersion Version = math.MaxInt64

func (v Version) Uint64() uint64                         { return uint64(v) }
func (v Version) Int64() int64                           { return int64(min(v, MaxVersion)) }
func (v Version) Next() Version                          { return v + 1 }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Uint64(key, uint64(v)) }
