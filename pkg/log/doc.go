/*
Package log provides structured logging for the Mu executor, built on
zerolog.

Every component gets a child logger carrying its name plus whatever
identity fields are relevant (node_id/generation at startup,
stack_id/task_id per operation), so a single grep over JSON output
reconstructs the causal chain for one stack's lifecycle across every
component it touched.

Initialize once at startup:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

then derive component loggers:

	lc := log.WithComponent("lifecycle")
	lc.Info().Str("stack_id", id.String()).Msg("transition to running")
*/
package log
