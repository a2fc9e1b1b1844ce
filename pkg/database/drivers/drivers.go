// Package drivers groups database/sql driver registrations so the heavy
// dependencies stay out of go test and go vet runs unless a binary
// explicitly imports this package.
package drivers

// Ready is a no-op helper used by main packages to make the import
// explicit. Calling Ready from init keeps the reason the package is pulled
// in visible at the call site.
func Ready() {}
