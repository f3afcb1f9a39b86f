// Package loopback implements an in-process transport backed by a shared
// Broker. It needs no external infrastructure and is used for development,
// demos and tests.
//
// The broker keeps a state-of-world cache per topic. A published message
// whose payload carries the identity field (default "id") replaces the
// stored record with the same key; other messages are delivered but not
// stored. SOWQuery, SOWAndSubscribe and SOWDelete read and prune that cache.
//
// Content filters accept a small AMPS-style subset:
//
//	/status = 'open' AND /qty >= 10
//
// Request publishes with a private _INBOX reply topic in the reply-to header
// and waits for the first message published to it.
//
// Broker.Drop and Broker.SetAvailable simulate broker failures, which makes
// the loopback backend useful for exercising reconnect behaviour.
package loopback
