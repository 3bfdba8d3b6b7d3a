/*
Package event provides the pub/sub bus used by the policy resolver, the
permission manager and the sandbox executor to report what they decided and did.

The core never persists an audit trail itself. Anything that wants one (a log
sink, the metrics collector, a CLI printing JSON lines) subscribes to the bus.

# Event Types

Policy Events:
  - policy.decision: every resolve() result
  - policy.denied: a resolve() result with action deny
  - policy.profile_changed: the active profile was switched
  - policy.rule_added / policy.rule_removed: rule lists were mutated

Configuration Events:
  - config.saved: a permissions or policy document was written
  - config.reloaded: a document was re-read from disk

Permission Events:
  - permission.denied: a read/write/command/tool/network check failed

Sandbox Events:
  - sandbox.probed: isolation mechanism availability was detected
  - sandbox.session_created / sandbox.session_closed
  - sandbox.exec_started / sandbox.exec_completed

# Usage

Components take a *Bus and publish to it. A nil bus is accepted everywhere and
drops events:

	bus := event.NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.PolicyDenied, func(e event.Event) {
		data := e.Data.(event.PolicyDecisionData)
		log.Warn().Str("tool", data.Tool).Msg(data.Reason)
	})
	defer unsubscribe()

Publish calls each subscriber in its own goroutine; PublishSync calls them in
order before returning. Subscribers called through PublishSync must not
publish re-entrantly or block.

# Integration with Watermill

The bus is built on watermill's gochannel. Stream subscribes to Topic and
receives a JSON copy of every event published while the stream is open, which
is how out-of-process audit collaborators are fed.
*/
package event
