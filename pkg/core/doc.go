// Package core is the facade the tool-dispatch layer drives: it
// assembles the Container Manager, Exec Manager, Filesystem Manager,
// Warm Pool, Reconciliation Engine, Maintenance Loop and Shutdown
// Coordinator into one object and exposes their operations as a small,
// typed catalog (spawn, attach, kill, exec, exec_cancel, exec_poll,
// fs_read, fs_write, fs_delete, fs_stat, fs_list, reconcile,
// system_status, garbage_collect, list_containers, list_execs,
// metrics, health) independent of any particular transport.
package core
