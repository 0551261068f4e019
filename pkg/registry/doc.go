// Package registry maps Go struct types to entity kinds and knows how to read and write
// their identifier fields.
package registry
