// Package auth decides who is calling the labflow API and what they may do.
//
// Authenticators vote on each request: Allow with an identity, Deny for
// bad credentials, or Abstain when the credential is not theirs. A Chain
// asks them in order and falls back to a fixed decision when all abstain.
//
// Middleware runs the chain before any handler. It then applies route
// Restrictions by role or scope and a per-operator rate limit, and
// records the subject as the storage actor. That subject owns the
// sessions the operator starts and signs their audit entries.
package auth
