// Package log provides structured logging for opscore using zerolog.
//
// All components log through a single global zerolog.Logger configured once
// at process startup via Init. Component-scoped child loggers (WithComponent,
// WithOperationID, WithWorkerID, WithService) attach structured fields without
// requiring each package to carry its own logger configuration.
package log
