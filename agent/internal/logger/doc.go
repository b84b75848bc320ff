// Package logger is the application-facing entry point of the pipeline.
//
// A Logger turns a severity and message into an RFC 5424 record carrying
// the client's structured fields (token, device, install and, once set,
// uid) and hands it to an output.Output as an event of its group. Logging
// never blocks on the network and never panics: a record that cannot be
// formatted is logged locally and counted as dropped.
package logger
