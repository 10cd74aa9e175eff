// Package harness runs end-to-end live-update scenarios against a fresh
// store, change detector, and broadcaster.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: raw_write_reaches_dashboard
//	description: "A write that bypasses hooks is pushed after the next scan"
//	emit_deletes: false
//	users:
//	  - email: owner@example.com
//	subscribers:
//	  - name: dashboard
//	    user: owner@example.com
//	steps:
//	  - action: create
//	    user: owner@example.com
//	    fields: { text: "hello" }
//	  - action: scan
//	  - action: raw_update
//	    post: 1
//	    set: { text: "edited elsewhere" }
//	  - action: scan
//	assertions:
//	  - type: delivered
//	    subscriber: dashboard
//	    event: post_update
//	    count: 2
//	  - type: final_state
//	    table: posts
//	    where: { id: 1 }
//	    expect: { text: "edited elsewhere" }
//
// Users are created in order, so the first user has id 1. Posts are
// numbered the same way. Every subscriber connects before the first step.
//
// # Step Actions
//
//   - create, update, delete, set_status: store writes (hook path)
//   - raw_update, raw_delete: SQL that bypasses hooks (poll path)
//   - scan: one change detector scan
//   - advance: move the clock forward by duration
//   - subscribe, unsubscribe, disconnect: subscriber membership
//   - notify: push a notification to a user
//
// # Assertion Types
//
//   - delivered: a subscriber received exactly count events of a type
//   - event_order: event types appear in this order (gaps allowed)
//   - tracked: the detector snapshot holds count records
//   - final_state: a row of a table has the expected column values
//
// # Deterministic Runs
//
// Clock, connection ids (conn-1, conn-2, ...), and row ids are fixed, and
// keep-alive pings are off, so the frames a subscriber receives are the
// same on every run and can be compared against golden files.
package harness
