// Package testing provides in-memory source implementations for exercising
// listeners without broker infrastructure.
//
// Both sources deliver messages published to them directly to a subscribed
// listener, so tests control exactly what arrives and when. They differ in
// the broker semantics they imitate.
//
// # Key Components
//
// ChanSource: A fire-and-forget source. Messages published before the
// subscription exists are lost, like core NATS. Listeners consuming a
// ChanSource fall back to their message cache for matchers registered
// after the interesting message went by.
//
// ReplaySource: A source with retained history, like Kafka or a JetStream
// stream. It implements inbox.Replayer, so registering a matcher rewinds
// the source and re-delivers everything it has ever seen.
//
// # Usage Example
//
//	src := testing.NewReplaySource[string]()
//	listener, err := inbox.Listen[string](src)
//	if err != nil {
//	    panic(err)
//	}
//
//	src.Publish("order-created")
//
//	// Registering after the fact still matches: the source replays.
//	exp := listener.Expect(func(msg string) bool {
//	    return msg == "order-created"
//	})
//	Eventually(exp.Check).Should(BeTrue())
//
// # Trade-offs
//
// These sources test listener behavior, not broker behavior. Integration
// tests against real brokers live with the source implementations under
// mb/ and store/pg.
package testing
