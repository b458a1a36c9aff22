/*
Package randx provides generators for unique identifiers.
*/
package randx

import "github.com/google/uuid"

// ConnectionID returns a UUID v4 string used as the opaque identifier for a
// live connection. Identifiers are assigned at upgrade time and never reused.
func ConnectionID() string {
	return uuid.New().String()
}
