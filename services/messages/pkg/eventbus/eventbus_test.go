package eventbus_test

import (
	"testing"

	"secumsg/services/messages/pkg/eventbus"

	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscribersInOrder(t *testing.T) {
	bus := eventbus.New()
	var got []string
	bus.Subscribe(eventbus.TopicMessagesUpdated, func(e eventbus.Event) { got = append(got, "a:"+e.ConversationKey) })
	bus.Subscribe(eventbus.TopicMessagesUpdated, func(e eventbus.Event) { got = append(got, "b:"+e.ConversationKey) })
	bus.Subscribe(eventbus.TopicReadReceipt, func(e eventbus.Event) { got = append(got, "other") })

	bus.Publish(eventbus.Event{Topic: eventbus.TopicMessagesUpdated, ConversationKey: "k"})
	require.Equal(t, []string{"a:k", "b:k"}, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := eventbus.New()
	calls := 0
	sub := bus.Subscribe(eventbus.TopicCacheWiped, func(eventbus.Event) { calls++ })
	bus.Publish(eventbus.Event{Topic: eventbus.TopicCacheWiped})
	sub.Unsubscribe()
	sub.Unsubscribe()
	bus.Publish(eventbus.Event{Topic: eventbus.TopicCacheWiped})

	require.Equal(t, 1, calls)
	require.Zero(t, bus.Subscribers(eventbus.TopicCacheWiped))
}

func TestHandlerMayUnsubscribeDuringPublish(t *testing.T) {
	bus := eventbus.New()
	var sub *eventbus.Subscription
	calls := 0
	sub = bus.Subscribe(eventbus.TopicConnectionState, func(eventbus.Event) {
		calls++
		sub.Unsubscribe()
	})
	bus.Publish(eventbus.Event{Topic: eventbus.TopicConnectionState})
	bus.Publish(eventbus.Event{Topic: eventbus.TopicConnectionState})
	require.Equal(t, 1, calls)
}
