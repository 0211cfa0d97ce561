/*
Package events is the in-process audit feed of the control plane.

Components publish an Event for every state change they cause or notice:
lifecycle transitions, assignment conflicts, missing and orphaned streams,
undelivered commands, counter corrections and health auto-fixes. Publish
never blocks. Subscribers get a buffered channel and miss events when they
fall behind; the broker also keeps the last 100 events for the API's
/api/v1/events feed and for tests.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for e := range sub {
		fmt.Println(e.Type, e.Message)
	}
*/
package events
