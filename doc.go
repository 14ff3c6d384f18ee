// Package exchange and its sub-packages implement the fund custody backend of the Ducatus multi-currency exchange.
/*
The backend provides two services:

1) an exchange service (package exchange) that consumes confirmed-deposit events from the message broker, keeps the
 payment ledger and exposes a RESTful API for opening exchange requests, validating addresses, triggering collection
 passes and reading balances and reports.

2) a tasker service (package tasker) that runs the recurring jobs: delivery retries and confirmation checks, rate
 refreshes, treasury sweep passes and daily reports.

Architecture

Chain watchers publish an event to the message broker whenever a transaction involving a tracked deposit address
reaches the required confirmation depth. The exchange service consumes one queue per connected blockchain and drives
each deposit through the payment ledger: the deposit is registered once per transaction hash, converted into the
target currency at the cached rate and delivered to the user's destination address from the treasury. The broker
layer (package lib/msg) is product agnostic; queues and connections are configured via a JSON config file at service
startup.

Both services share a database holding users, exchange requests, payments, rates and charges. Its layered
implementation (package lib/store) provides a database product agnostic interface with MongoDB, PostgreSQL and
in-process backends.

A blockchain layer (package lib/block) splits chain capabilities into a common surface plus account-family
(nonce/gas, offline signing) and UTXO-family (unspent selection, node signing) interfaces. Deposit addresses and
their signing keys derive deterministically from per-chain BIP32 root keys (package lib/wallet); the user id is the
derivation index, so no per-user secret material is ever persisted.

The services can also be monitored via a Prometheus API by setting the flag "-m" at startup.

Running

The exchange service starts with cmd/exchanged/main.go, the tasker with cmd/tasker/main.go. Both read the same JSON
configuration (see cmd/conf.json for a sample) overridable per-field with DUC_ prefixed OS ENV variables.
*/
package exchange
