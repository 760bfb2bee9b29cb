package graft

import (
	jsoniter "github.com/json-iterator/go"
)

// json is the jsoniter instance shared by body parsing, response encoding,
// and checksum canonicalization.
var json = jsoniter.ConfigFastest
