// Package harness replays till scenarios end to end.
//
// A scenario is a YAML file naming a product catalog, a flow of steps
// (sales, refunds, expenses, debt payments, connectivity changes, clock
// jumps, queue syncs, protection checks) and assertions over the resulting
// trace and final state. Each run gets a fresh in-memory database, a fake
// clock starting at the scenario's start time, a scripted fake backend and
// sequential ids, so the trace is fully deterministic and can be compared
// against a golden file.
//
// Example:
//
//	name: offline_sale
//	description: A sale made offline is committed locally and replayed later.
//	setup:
//	  products:
//	    - {id: p1, name: Tea, stock: "10", cost: "10", price: "25"}
//	flow:
//	  - action: go_offline
//	  - action: sale
//	    args: {invoice: inv-1, items: [{product: p1, quantity: 2}]}
//	    expect: {case: ok, result: {queued: true, total: "50"}}
//	  - action: go_online
//	  - action: sync
//	assertions:
//	  - {type: stock, product: p1, value: "8"}
//	  - {type: queue, status: pending, count: 0}
package harness
