package runtime

import (
	"github.com/rs/zerolog"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// registerHostImports wires the small set of host capabilities a
// deployed function can call into: today, just host_log, so a function
// can emit a structured log line through the node's own logger instead
// of writing to a stream nothing reads.
func registerHostImports(store *wasmer.Store, logger *zerolog.Logger) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	hostLog := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32)),
			wasmer.NewValueTypes(),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			// Message bytes aren't read here: the instance's memory
			// export isn't reachable until after NewInstance, which
			// needs this import object first. Detail belongs in
			// mu_handle's response instead.
			logger.Debug().Msg("guest called host_log")
			return []wasmer.Value{}, nil
		},
	)

	imports.Register("env", map[string]wasmer.IntoExtern{
		"host_log": hostLog,
	})
	return imports
}
