// Package pipe implements the framed transport between a per-user parent
// process and the elevated or embedded child it launches.
//
// Every frame is a 4-byte little-endian message type, an 8-byte
// little-endian payload length and the payload. Three reserved types carry
// log lines, notifications and the terminate request; all other types are
// requests, and a request is answered with a frame of the same type whose
// payload starts with a 4-byte result code.
//
// A Connection holds three Unix sockets. The child proves it was started by
// the parent by presenting the secret from its command line together with
// its process id; anything else is dropped and the parent keeps waiting.
package pipe
