// Package wire defines the byte-level protocol spoken between a test
// runner and a test execution engine: command tags, the separator and
// end-of-message markers, and the JSON codecs for the handshake record
// and for application messages.
//
// A frame is a command tag, optionally followed by the separator byte
// and a payload, terminated by the end-of-message byte:
//
//	FRAME := COMMAND (SEP PAYLOAD)? EOM
//
// The runner sends INFO, FIND, RUN, CANCEL and QUIT; the execution
// engine sends INFO and MSG. Payloads are UTF-8; INFO carries a JSON
// EngineInfo object, MSG carries an operation identifier, another
// separator, and a JSON application message.
package wire
