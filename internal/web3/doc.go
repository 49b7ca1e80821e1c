// Package web3 houses blockchain connectivity for the smart-contract custody
// backend: chain definitions, the escrow vault contract surface, and log
// subscriptions used to turn on-chain device attestations into verification
// events.
package web3
