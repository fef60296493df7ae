// Package model defines the persisted entities of ccorch: command queues and
// their commands, session groups and their sessions.
//
// Types here carry no I/O. They hold the status enumerations, identifier and
// slug generation, cost and progress accounting, and the dependency graph
// validation used before a group is written.
package model
