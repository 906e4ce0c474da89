// Package quicmux multiplexes QUIC-like connections over one shared UDP socket.
//
// A Dispatcher takes the raw datagrams read from the socket, routes them by
// connection ID to a Session (creating one for every new client), and drives
// each Session's handshake, loss recovery and streams. A Client plays the
// same role for a single outgoing Session.
//
// The engine does no I/O and starts no goroutines. Socket writes go through a
// PacketWriter, timers through an AlarmScheduler, and all calls into a
// Dispatcher or Client, including the fire callbacks of alarms, must be
// serialized by the caller. internal/eventloop provides such a loop.
package quicmux
