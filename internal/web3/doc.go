// Package web3 houses chain connectivity for the custodian: YAML chain
// definitions, the Client abstraction used to read balances and broadcast
// signed transfers, and the Journal that keeps transfers idempotent across
// restarts.
package web3
