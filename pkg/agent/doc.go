// Package agent runs bounded tool-calling sessions against the session
// store, the tool executor and the LLM failover client.
//
// Invariants:
// - Runs are serialized per session through a commandqueue lane.
// - Every model reply and tool outcome is persisted before the loop
//   advances; a failed session keeps its full history.
// - Tool results enter the conversation in original call order, never
//   completion order.
// - Cancellation is cooperative: a flag checked at loop boundaries.
//   In-flight tool calls run to completion or their own timeout.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{
//		Store:    store,
//		Executor: executor,
//		LLM:      client,
//		Queue:    commandqueue.New(),
//	})
//	sess, _ := runner.StartSession(ctx, "coder", "add pagination to the list endpoint", "")
//	_ = sess
package agent
