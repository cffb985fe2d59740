package domain

// SessionID identifies an interview room. The room itself is never
// materialized client-side beyond its participant set.
type SessionID string
