// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bounds resolves and caches the time bounds of traces.
//
// # Description
//
// The bounds of a trace are the timestamps of its first and last events.
// Finding them may require a full scan, so they are cached in memory on the
// trace element and persisted to "<supplementary path>/bounds". A Job
// resolves the bounds of a queue of traces in the background.
package bounds

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianProjects/services/project/traces"
)

// CacheFileName is the name of the cache file in a trace's supplementary
// folder.
const CacheFileName = "bounds"

// EncodedSize is the exact size of a bounds cache file.
const EncodedSize = 16

// ErrCorrupt is returned by Decode for malformed cache content.
var ErrCorrupt = errors.New("corrupt bounds cache")

// Encode serializes bounds as two big-endian signed 64-bit nanosecond
// values, start then end. An unknown bound is written as traces.BigBang.
func Encode(start, end traces.Timestamp) []byte {
	buf := make([]byte, EncodedSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(start))
	binary.BigEndian.PutUint64(buf[8:16], uint64(end))
	return buf
}

// Decode parses a cache file written by Encode. The reserved minimum value
// decodes as traces.BigBang.
func Decode(data []byte) (start, end traces.Timestamp, err error) {
	if len(data) != EncodedSize {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrCorrupt, len(data))
	}
	start = traces.Timestamp(int64(binary.BigEndian.Uint64(data[0:8])))
	end = traces.Timestamp(int64(binary.BigEndian.Uint64(data[8:16])))
	return start, end, nil
}
