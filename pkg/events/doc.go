/*
Package events provides an in-memory event broker for the daemon's internal
pub/sub messaging.

The events package implements a lightweight event bus for broadcasting
cluster-health and state-transition events to interested subscribers. It
supports non-blocking, buffered delivery. No other package in this module
publishes to or subscribes to a Broker; the catalog below names each event
type and the occasion it denotes.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Event Broker                   │          │
	│  │  - In-memory message bus                    │          │
	│  │  - Topic-agnostic (all events broadcast)    │          │
	│  │  - Non-blocking publish                     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event Distribution                 │          │
	│  │                                              │          │
	│  │  Publisher → Event Channel (buffer: 100)    │          │
	│  │       ↓                                      │          │
	│  │  Broadcast Loop                              │          │
	│  │       ↓                                      │          │
	│  │  Subscriber Channels (buffer: 50 each)      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Event Types                       │          │
	│  │                                              │          │
	│  │  Node Events:                               │          │
	│  │    - node.joined, node.dead, node.fenced    │          │
	│  │    - node.flushed                           │          │
	│  │                                              │          │
	│  │  Domain Events:                             │          │
	│  │    - domain.migrated, domain.failed         │          │
	│  │    - domain.state_change                    │          │
	│  │                                              │          │
	│  │  Primary/Fence Events:                      │          │
	│  │    - primary.transitioned                   │          │
	│  │    - fence.triggered, fence.succeeded       │          │
	│  │    - fence.failed                           │          │
	│  └────────────────────────────────────────────┘           │
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Subscribers                      │          │
	│  │                                              │          │
	│  │  Any caller of broker.Subscribe()           │          │
	│  │  (no package in this module subscribes)     │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Event Broker:
  - Central message bus for event distribution
  - Manages subscriber lifecycle
  - Non-blocking publish (buffered channel)
  - Graceful shutdown via stop channel

Event:
  - ID: Unique event identifier
  - Type: Event type (node.dead, fence.triggered, etc.)
  - Timestamp: When event occurred
  - Message: Human-readable description
  - Metadata: Key-value pairs for additional context (node name, domain
    UUID, vni, fence outcome)

Subscriber:
  - Channel that receives Event pointers
  - Buffered (50 events) to handle bursts
  - Created via broker.Subscribe()
  - Closed via broker.Unsubscribe()

# Event Flow

Publish Flow:
 1. Publisher calls broker.Publish(event)
 2. Event added to main event channel (non-blocking)
 3. Broadcast loop receives event
 4. Event sent to all subscriber channels
 5. Subscribers receive event asynchronously
 6. Full subscriber buffers skip (no blocking)

Subscribe Flow:
 1. Subscriber calls broker.Subscribe()
 2. New buffered channel created
 3. Channel registered in subscriber map
 4. Subscriber channel returned
 5. Subscriber receives events via channel
 6. Subscriber processes events in own goroutine

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("[%s] %s: %s\n", event.Timestamp.Format("15:04:05"), event.Type, event.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventFenceTriggered,
		Message: "node hv03 missed 6 keepalive intervals, fencing",
		Metadata: map[string]string{"node": "hv03"},
	})

# Event Types Catalog

EventNodeJoined:
  - Published when: a node's ephemeral daemon_state first transitions to run
  - Metadata: node

EventNodeDead:
  - Published when: a node's keepalive is found older than
    keepalive_interval * fence_intervals
  - Metadata: node, last_keepalive

EventNodeFenced:
  - Published when: a fence task completes, successfully or not
  - Metadata: node, outcome (success/failure)

EventNodeFlushed:
  - Published when: a node's domain_state reaches "flushed"
  - Metadata: node

EventDomainMigrated:
  - Published when: outbound migration completes
  - Metadata: domain, from_node, to_node

EventDomainFailed:
  - Published when: a Domain's failed_reason is set
  - Metadata: domain, reason

EventDomainStateChange:
  - Published when: a Domain's /state key is rewritten
  - Metadata: domain, state

EventPrimaryTransition:
  - Published when: router_state changes for this node
  - Metadata: node, state

EventFenceTriggered / EventFenceSucceeded / EventFenceFailed:
  - Published at the start and conclusion of a fence task
  - Metadata: node

# Design Patterns

Non-Blocking Publish:
  - Publish sends to buffered channel, returns immediately
  - Events may be dropped if buffer full
  - Trade-off: throughput over guaranteed delivery, acceptable because the
    store itself (not this bus) is the durable record of cluster state

Fan-Out Pattern:
  - Single event broadcast to all subscribers, each with its own channel
  - Full buffers skip to prevent blocking the publisher

Fire-and-Forget:
  - No acknowledgment from subscribers, no retry on delivery failure
  - Suitable for monitoring and audit logging, never for control flow

# See Also

  - pkg/fence for the fence task the fence.* and node.dead types describe
  - pkg/metrics, where pkg/fence records fence outcomes as counters
    directly rather than through this bus
*/
package events
