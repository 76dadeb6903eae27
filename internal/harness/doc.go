// Package harness runs repository scenarios written in YAML.
//
// A scenario creates stores and files, drives the sync operations and then
// asserts on the recorded trace and the final repository contents.
//
// # Scenario Format
//
//	name: promote_and_flatten
//	description: "A layered edit is promoted and the layer flattened"
//	setup:
//	  - op: create_store
//	    args: { name: s0 }
//	flow:
//	  - op: compare
//	    args: { src: "s1:/", dst: "s0:/" }
//	    expect:
//	      result: { differences: ["OLDER s1:/x.txt s0:/x.txt"] }
//	  - op: flatten
//	    args: { layer: "s1:1:/" }
//	    expect:
//	      error: INVALID_PATH
//	assertions:
//	  - type: trace_order
//	    ops: [compare, update, flatten]
//	  - type: final_state
//	    path: "s0:/x.txt"
//	    expect: { content: "v2" }
//	  - type: no_differences
//	    src: "s1:/"
//	    dst: "s0:/"
//
// # Operations
//
// create_store, create_layered_store, mkdir, create, write, rm, rename,
// layer, layer_file, set_opacity, uncover, retarget, snapshot, compare,
// update, flatten, reset_layer and submit. Paths are "store:/path" strings. update compares
// src with dst and applies the result in one step.
//
// # Assertion Types
//
//   - trace_contains: an op appears in the trace with matching args
//   - trace_order: ops appear in the given order
//   - trace_count: an op appears exactly N times
//   - final_state: a path has the expected content, type or layer state
//   - no_differences: comparing src with dst yields nothing
//
// Only flow steps are traced. Every scenario runs against a fresh in-memory
// database with sequential GUIDs and a stepping clock, so traces are stable
// enough for golden files.
package harness
