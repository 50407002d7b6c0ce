// Package models contains GORM persistence models for the event log, leases,
// projection progress and the read-only item reference table.
//
// View rows are declared in the projection domain package because rebuilds
// write them to shadow tables of the same shape by name.
package models
