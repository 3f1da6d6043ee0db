// Package engine implements the invoice lifecycle on top of the event log.
//
// Every command follows the same cycle under a per-invoice lock:
//
//  1. Load the invoice's events and project the current state.
//  2. Validate the command against that state.
//  3. Compute amounts (settlement package) and perform token transfers,
//     when a token ledger is configured.
//  4. Append the resulting event(s) in one call, passing the projected
//     version as the expected version.
//
// Commands on different invoices run in parallel; commands on the same
// invoice are serialized. The expected-version check covers writers in
// other processes sharing the same database: on a conflict the engine
// undoes its transfers, reloads and retries.
//
// A failed validation or transfer leaves the log untouched.
//
// STATE MACHINE:
//
//	DRAFT --list--> LISTED --invest(partial)--> INVESTING --invest(fills)--> FUNDED
//	LISTED --invest(fills exactly)--> FUNDED
//	FUNDED --recordPayment, settle--> PAID
//	FUNDED --markDefault (maturity + grace elapsed)--> DEFAULTED
//	DRAFT, LISTED (nothing funded) --cancel--> CANCELLED
//
// PAID, DEFAULTED and CANCELLED are terminal.
package engine
