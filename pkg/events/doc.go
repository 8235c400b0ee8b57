/*
Package events implements fleetd's internal pub-sub event bus.

A Broker fans out Event values to any number of Subscribers over buffered
channels. Publishers never block on a slow subscriber: the broker itself
holds a 100-event buffer, each subscriber channel holds 50, and a full
subscriber channel drops the event rather than stalling the broadcast loop.
This mirrors the at-most-once, best-effort delivery the rest of the pack
uses for internal notification streams — events are an observability aid,
not a durable queue. Anything that must not be lost (VM state, command
acknowledgement) lives in pkg/store instead.

# Event types

EventType values fall into four families:

  - node.* — registration and reachability transitions (§4.E): a node
    completing registration, or flipping online/offline across a
    heartbeat-timeout boundary.
  - vm.* — lifecycle transitions the VM lifecycle manager drives (§4.F):
    scheduled onto a node, reaching Running, reaching Deleted, or falling
    into Error. vm.recovered fires when the node service reconstructs a VM
    record from an orphaned heartbeat rather than from a known command.
  - command.orphaned — a command acknowledgement arrives that no known
    command, VM, or legacy status match can resolve (§4.E).
  - relay.* / port.allocated — relay (re)assignment and direct-access port
    allocation outcomes (§4.G/§4.H).

Consumers are internal: pkg/portalloc's CGNAT path subscribes to await
port.allocated events for each hop. Publish works whether or not anyone has
subscribed yet.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&events.Event{
		Type:     events.EventVMRunning,
		Message:  "vm my-vm-a1b2 reached Running",
		Metadata: map[string]string{"vmId": vm.ID, "nodeId": vm.NodeID},
	})

	for ev := range sub {
		// handle ev
	}
*/
package events
