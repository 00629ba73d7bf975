// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge implements the core of a Telegram-to-WordPress bridge:
// webhook updates come in on one side, blog posts come out on the other,
// with at-least-once delivery and no duplicate publications in between.
//
// The pipeline is split into small stages, each with its own failure
// vocabulary:
//
//   - [Normalizer] turns raw Telegram update JSON into [BridgeEvent] values
//     with a stable, revision-aware fingerprint.
//   - [Store] admits events exactly once per fingerprint and keeps the
//     durable [database.Record] audit trail.
//   - [Mapper] turns an admitted event into a [PublishableDocument], deciding
//     whether it creates, updates, or retracts a WordPress post.
//   - [Deliverer] drives the publish attempt loop with capped exponential
//     backoff, and reconciles ambiguous outcomes by looking the post up
//     under its deterministic slug before ever retrying a create.
//   - [Pipeline] owns the worker pool and the stalled-record requeue sweep.
//
// # Idempotency
//
// Every revision of every source message hashes to one fingerprint, and
// every fingerprint maps to one WordPress slug. Duplicate webhook deliveries
// collapse in admission; crashed or timed-out deliveries are resolved by
// slug lookup rather than blind re-creation. A published record is terminal
// and never transitions again.
//
// # Sub-packages
//
//   - wpfmt renders message text into WordPress titles and HTML bodies.
//   - database holds the delivery record schema and queries.
//   - alert fans terminal delivery failures out to notification sinks.
package bridge
