// Package services defines shared utilities consumed by the ingestion and
// processing components.
//
// Key responsibilities:
//   - Context helpers that stamp case IDs, study UIDs, stage names, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper and Classify, which sort
//     failures into transient, definite, and fatal handling classes.
//
// Components convert classified failures into a recorded status on the entity
// they own (study delivery record, queue item) instead of propagating them.
package services
