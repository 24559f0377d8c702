// Package chain houses the blockchain connectivity boundary: the minimal RPC
// client interface consumed by the transaction coordinator, the signer
// abstraction for wallet integrations, and multi-chain configuration
// helpers. Concrete EVM clients live in the ethereum subpackage and are
// assembled by the provider registry.
package chain
