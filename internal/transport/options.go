package transport

import "time"

// SubscribeOptions carries backend-interpreted subscription settings.
// Backends ignore the fields they have no concept of.
type SubscribeOptions struct {
	// Filter is a content filter expression (AMPS).
	Filter string

	// Options is a raw backend option string, e.g. "oof,replace" (AMPS).
	Options string

	// QueueGroup shares delivery among all members of the group (NATS, AMQP).
	QueueGroup string

	// TopN limits the number of snapshot records (AMPS).
	TopN int

	// OrderBy orders snapshot records (AMPS).
	OrderBy string

	// BatchSize is the snapshot batch size hint (AMPS).
	BatchSize int

	// QoS is the delivery quality of service (MQTT).
	QoS byte
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*SubscribeOptions)

// WithFilter sets a content filter.
func WithFilter(filter string) SubscribeOption {
	return func(o *SubscribeOptions) { o.Filter = filter }
}

// WithOptions sets the raw backend option string.
func WithOptions(options string) SubscribeOption {
	return func(o *SubscribeOptions) { o.Options = options }
}

// WithQueueGroup joins a queue group.
func WithQueueGroup(group string) SubscribeOption {
	return func(o *SubscribeOptions) { o.QueueGroup = group }
}

// WithTopN limits snapshot size.
func WithTopN(n int) SubscribeOption {
	return func(o *SubscribeOptions) { o.TopN = n }
}

// WithOrderBy orders snapshot records.
func WithOrderBy(orderBy string) SubscribeOption {
	return func(o *SubscribeOptions) { o.OrderBy = orderBy }
}

// WithBatchSize sets the snapshot batch size hint.
func WithBatchSize(n int) SubscribeOption {
	return func(o *SubscribeOptions) { o.BatchSize = n }
}

// WithSubscribeQoS sets the subscription QoS.
func WithSubscribeQoS(qos byte) SubscribeOption {
	return func(o *SubscribeOptions) { o.QoS = qos }
}

// ApplySubscribeOptions folds opts into a SubscribeOptions value.
func ApplySubscribeOptions(opts []SubscribeOption) SubscribeOptions {
	var o SubscribeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// PublishOptions carries per-message settings. Backends apply what they support.
type PublishOptions struct {
	Headers       map[string]string
	CorrelationID string
	TTL           time.Duration
	Persistent    bool
	ReplyTo       string

	// QoS and Retained apply to MQTT.
	QoS      byte
	Retained bool
}

// PublishOption configures a publish.
type PublishOption func(*PublishOptions)

// WithHeaders merges headers into the message.
func WithHeaders(headers map[string]string) PublishOption {
	return func(o *PublishOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			o.Headers[k] = v
		}
	}
}

// WithCorrelationID sets the correlation id.
func WithCorrelationID(id string) PublishOption {
	return func(o *PublishOptions) { o.CorrelationID = id }
}

// WithTTL sets the message expiry.
func WithTTL(ttl time.Duration) PublishOption {
	return func(o *PublishOptions) { o.TTL = ttl }
}

// WithPersistent requests persistent delivery where the broker supports it.
func WithPersistent(persistent bool) PublishOption {
	return func(o *PublishOptions) { o.Persistent = persistent }
}

// WithReplyTo sets the reply topic.
func WithReplyTo(topic string) PublishOption {
	return func(o *PublishOptions) { o.ReplyTo = topic }
}

// WithQoS sets the publish QoS.
func WithQoS(qos byte) PublishOption {
	return func(o *PublishOptions) { o.QoS = qos }
}

// WithRetained marks the message as retained.
func WithRetained(retained bool) PublishOption {
	return func(o *PublishOptions) { o.Retained = retained }
}

// ApplyPublishOptions folds opts into a PublishOptions value.
func ApplyPublishOptions(opts []PublishOption) PublishOptions {
	var o PublishOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// DefaultRequestTimeout bounds Request when neither the caller's context nor
// WithRequestTimeout sets a deadline.
const DefaultRequestTimeout = 5 * time.Second

// RequestOptions configures a request.
type RequestOptions struct {
	Timeout time.Duration
	Headers map[string]string
}

// RequestOption configures a request.
type RequestOption func(*RequestOptions)

// WithRequestTimeout bounds the wait for a reply.
func WithRequestTimeout(d time.Duration) RequestOption {
	return func(o *RequestOptions) { o.Timeout = d }
}

// WithRequestHeaders adds headers to the request message.
func WithRequestHeaders(headers map[string]string) RequestOption {
	return func(o *RequestOptions) { o.Headers = headers }
}

// ApplyRequestOptions folds opts into a RequestOptions value.
func ApplyRequestOptions(opts []RequestOption) RequestOptions {
	var o RequestOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// TimeoutOr returns the request timeout, falling back to fallback and then
// to DefaultRequestTimeout.
func (o RequestOptions) TimeoutOr(fallback time.Duration) time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultRequestTimeout
}
