// Package session mirrors live chat connections into Redis so that operators
// and other server instances can see who is online and in which region. The
// in-process registry stays authoritative; Redis is a best-effort copy.
package session
