// Package session records live chat connections in Redis so every server
// instance can tell whether a user is connected anywhere in the cluster.
package session
