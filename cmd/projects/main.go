// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command projects serves and inspects trace projects of a workspace.
//
// Usage:
//
//	projects serve                     # HTTP API on 127.0.0.1:12230
//	projects tree demo                 # print the model tree of "demo"
//	projects bounds demo               # resolve the time range of every trace
//	projects config                    # print the effective configuration
//
// Example requests against a running server:
//
//	curl http://localhost:12230/health
//	curl -X POST http://localhost:12230/v1/projects/demo/open
//	curl http://localhost:12230/v1/projects/demo/tree?depth=2
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
