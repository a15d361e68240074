// Package identity derives stable identifiers for a controller and its
// dynamically discovered sub-devices.
//
// The controller slug comes from hostname normalization; sub-entity keys
// come from device-stable fields (did, hardware type + aquabus address,
// feed channel id, reagent channel) and never from array position, so keys
// survive reordering between polls. Resolution is idempotent: the same raw
// entity set always yields the same keys, and duplicated dids get a
// deterministic numeric suffix in first-seen order.
//
// The resolved map is persisted in SQLite so identities survive restarts,
// and a one-time versioned migration rewrites pre-slug identities to the
// slug-prefixed form, gated by a persisted marker so it never runs twice.
package identity
