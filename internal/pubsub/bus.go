// Package pubsub carries change notifications from writers to live subscribers.
// Profile writes and sign-outs publish here; the session machine's profile
// subscription and identity watcher listen.
package pubsub

import "context"

// Bus is a topic-addressed notification channel. Messages published after
// Subscribe returns are delivered to that subscription in publish order.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription is a single live listener. Messages is closed after Close.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

const prefix = "harvesta:"

// ProfileTopic is where writes to users/<id> are announced.
func ProfileTopic(id string) string { return prefix + "profile:" + id }

// PrincipalTopic is where identity changes (sign-out) for a principal are announced.
func PrincipalTopic(id string) string { return prefix + "principal:" + id }
