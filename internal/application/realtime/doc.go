// Package realtime implements the connection registry and event fan-out.
//
// The registry tracks live client connections with secondary indexes by
// connection type, user id and context (exam) id, subscribes to the event
// bus as one more consumer, and pushes matching events to each subscribed
// connection through a bounded, drop-oldest outbound queue. A heartbeat
// loop reaps connections whose transport failed or went silent.
package realtime
