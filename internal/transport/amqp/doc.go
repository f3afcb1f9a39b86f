// Package amqp implements the transport for AMQP 0-9-1 brokers such as
// RabbitMQ, using amqp091-go.
//
// All traffic goes through one topic exchange. A topic is a routing key and
// a trailing ">" in a subscription becomes the AMQP "#" wildcard. Each
// subscription opens its own channel and consumes from an exclusive,
// auto-delete queue, or from a shared queue named after its queue group.
//
// Request uses RabbitMQ direct reply-to: the publish channel consumes
// amq.rabbitmq.reply-to and replies are matched on correlation id.
//
// A connection closed by the broker or the network is reported to the shared
// Core, which applies the reconnect policy and restores subscriptions.
package amqp
