// Package mirror keeps a local, eventually consistent copy of embed objects.
//
// Ownership boundary:
// - Property/Parameter entity trees and their wire decoding
// - mirrored objects (hydration, property binding, object helpers)
// - the scene index by guid and by category
//
// Parameter values change through two paths: Parameter.Set writes locally and
// propagates one remote write; the unexported muted set is used only by inbound event
// appliers in this package and never produces remote traffic.
package mirror
