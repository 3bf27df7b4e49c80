// Package storage persists the state the platform mediates between the page
// and the worker: versioned asset caches, the worker registration record, push
// subscriptions (including their private keys), the notification tray and
// per-origin permission.
//
// Two drivers exist: "memory" (process lifetime) and "sqlite" (a database file
// that survives restarts, the equivalent of a browser profile).
package storage
