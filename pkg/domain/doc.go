/*
Package domain contains the core value types of the keystone engine.

It defines how entities are addressed and which errors the engine reports. The package
is pure: no I/O, no persistence and no dependency on the adapters.

# Key Types

  - Identity: canonical, comparable address of an entity (kind + id or name + parent chain).
  - RawKey: the backend-native pointer-chain form of an Identity.
  - Ref: a deferred reference that knows its Identity without loading the entity.
  - Object: a live registered value used as a reference.
  - Reference: the sealed union over the four forms above.
  - Version: the opaque token a backend uses to detect conflicting writes.
*/
package domain
