// Package harness runs invoice scenarios against a real engine.
//
// A scenario drives one or more invoices through commands on a settable
// clock, checks each step's outcome, then evaluates assertions over the
// final state, the event log and the token balances.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	start: 2026-01-05T09:00:00Z   # optional clock start
//	tokens:                       # optional in-memory token ledger
//	  escrow: escrow
//	  balances: { inv-a: "32500" }
//	steps:
//	  - op: create
//	    actor: exp-1
//	    as: inv1
//	    args: { principal: "50000", currency: USD, yield_bps: "1250", tenor_days: "90" }
//	    expect:
//	      status: DRAFT
//	  - op: advance
//	    args: { days: "30" }
//	  - op: invest
//	    actor: inv-a
//	    invoice: inv1
//	    args: { amount: "32500" }
//	    expect:
//	      error: INVALID_STATE
//	assertions:
//	  - type: status
//	    invoice: inv1
//	    status: DRAFT
//
// Steps reference invoices by the alias given in an earlier create step's
// "as", so scenarios never depend on generated IDs.
//
// # Assertion Types
//
//   - status: the invoice's final status
//   - field: a field of the final projected state, by its JSON name
//   - event_order: event types appear in this relative order
//   - event_count: an event type appears exactly N times
//   - balance: an account's settlement token balance, or with invoice
//     instead of account that invoice's escrow balance (requires tokens)
//   - payout, compensation, recovery: one investor's amount in the
//     settlement or default distribution
//   - replay: the invoice's stream passes every replay check
package harness
