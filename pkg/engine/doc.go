// Package engine implements the step executor: the state machine that
// drives a session through its protocol's steps. It evaluates each step
// kind's completion contract, runs per-session countdown timers, hands
// captures to the analysis dispatcher, and publishes session events to
// subscribers. All durable state lives in the session and capture
// stores; the executor itself only keeps running timers in memory.
package engine
