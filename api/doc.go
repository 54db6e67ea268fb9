// File: api/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package api declares the shared contracts of the hioload-fiber runtime:
// event kinds, structured errors, and the small interfaces that cross
// package boundaries (Ring, Cancelable, Control). Implementation packages
// (fiber, scheduler, timer, iomanager, hook) depend on api, never the
// other way around.
package api
