// Package app is the user-visible surface of the device core.
//
// Device programs construct an Application from config, register command
// handlers and topic callbacks, then call Run. The Application wires the
// transport, connection supervisor, dispatch router, command engine, and
// status publisher together and owns their shutdown order:
//
//  1. stop accepting inbound messages
//  2. cancel in-flight command handlers (bounded grace period)
//  3. stop the status task
//  4. drain queued publishes, QoS 1 responses first
//  5. disconnect from the broker
//
// A typical device:
//
//	cfg, _ := config.Load("config.yaml")
//	logger, _ := logging.Setup(cfg.Logging)
//	application, err := app.New(cfg, logger)
//	application.RegisterCommand("move", moveHandler)
//	err = application.Run(ctx)
package app
