/*
Package session persists active conversations so a flow survives a page
refresh or a process restart.

A Manager serializes access per session id with ref-counted in-process
locks and, when configured, a distributed lock shared across replicas.
*/
package session
