// Package maintenance is the Maintenance Loop: a periodic background
// task that runs the Reconciliation Engine's exec retention step on an
// interval of its own, independently of full reconciliation. core.New
// wires it with a one-hour interval.
package maintenance
